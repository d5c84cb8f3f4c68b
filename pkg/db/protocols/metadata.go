package protocols

import (
	"context"
	"fmt"

	"github.com/tvlscope/tvlscope/pkg/db/postgres"
	"github.com/tvlscope/tvlscope/pkg/tvl"
)

func (db *DB) initMetadata(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS protocol_metadata (
			protocol_id TEXT PRIMARY KEY REFERENCES protocols(id) ON DELETE CASCADE,
			category TEXT NOT NULL DEFAULT '',
			is_liquid_staking BOOLEAN NOT NULL DEFAULT FALSE,
			is_doublecounted BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

// UpsertMetadata creates or replaces the classification of a protocol.
func (db *DB) UpsertMetadata(ctx context.Context, protocolID string, md tvl.Metadata) error {
	query := `
		INSERT INTO protocol_metadata (protocol_id, category, is_liquid_staking, is_doublecounted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (protocol_id) DO UPDATE SET
			category = EXCLUDED.category,
			is_liquid_staking = EXCLUDED.is_liquid_staking,
			is_doublecounted = EXCLUDED.is_doublecounted,
			updated_at = NOW()
	`
	if err := db.Exec(ctx, query, protocolID, md.Category, md.IsLiquidStaking, md.IsDoublecounted); err != nil {
		return fmt.Errorf("upsert metadata %s: %w", protocolID, err)
	}
	return nil
}

// Metadata implements tvl.MetadataLookup. A missing row wraps tvl.ErrMetadataNotFound.
func (db *DB) Metadata(ctx context.Context, protocolID string) (*tvl.Metadata, error) {
	query := `
		SELECT category, is_liquid_staking, is_doublecounted
		FROM protocol_metadata
		WHERE protocol_id = $1
	`

	var md tvl.Metadata
	err := db.QueryRow(ctx, query, protocolID).Scan(&md.Category, &md.IsLiquidStaking, &md.IsDoublecounted)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("metadata %s: %w", protocolID, tvl.ErrMetadataNotFound)
		}
		return nil, fmt.Errorf("failed to query metadata %s: %w", protocolID, err)
	}
	return &md, nil
}
