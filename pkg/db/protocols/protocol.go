package protocols

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/jackc/pgx/v5"
	"github.com/tvlscope/tvlscope/pkg/db/postgres"
	"github.com/tvlscope/tvlscope/pkg/tvl"
)

const protocolColumns = `id, name, chains, tokens_excluded_from_parent`

// initProtocols creates the protocols table.
// tokens_excluded_from_parent is NULL when the protocol declares no exclusion.
func (db *DB) initProtocols(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS protocols (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			chains TEXT[] NOT NULL DEFAULT '{}',
			tokens_excluded_from_parent JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

// UpsertProtocol creates or replaces a protocol definition.
func (db *DB) UpsertProtocol(ctx context.Context, p tvl.Protocol) error {
	exclusions, err := encodeExclusions(p.TokensExcludedFromParent)
	if err != nil {
		return fmt.Errorf("upsert protocol %s: %w", p.ID, err)
	}

	query := `
		INSERT INTO protocols (id, name, chains, tokens_excluded_from_parent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			chains = EXCLUDED.chains,
			tokens_excluded_from_parent = EXCLUDED.tokens_excluded_from_parent,
			updated_at = NOW()
	`
	chains := p.Chains
	if chains == nil {
		chains = []string{}
	}
	if err := db.Exec(ctx, query, p.ID, p.Name, chains, exclusions); err != nil {
		return fmt.Errorf("upsert protocol %s: %w", p.ID, err)
	}
	return nil
}

// GetProtocol returns the protocol with the given id, or ErrNotFound.
func (db *DB) GetProtocol(ctx context.Context, id string) (*tvl.Protocol, error) {
	query := `SELECT ` + protocolColumns + ` FROM protocols WHERE id = $1`

	p, err := scanProtocol(db.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("protocol %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query protocol %s: %w", id, err)
	}
	return p, nil
}

// ListProtocols returns every protocol ordered by id.
func (db *DB) ListProtocols(ctx context.Context) ([]tvl.Protocol, error) {
	query := `SELECT ` + protocolColumns + ` FROM protocols ORDER BY id`

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	var out []tvl.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	return out, nil
}

func scanProtocol(row pgx.Row) (*tvl.Protocol, error) {
	var (
		p          tvl.Protocol
		exclusions []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Chains, &exclusions); err != nil {
		return nil, err
	}
	m, err := decodeExclusions(exclusions)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: %w", p.ID, err)
	}
	p.TokensExcludedFromParent = m
	return &p, nil
}

// encodeExclusions keeps the declared/undeclared distinction: nil is stored as SQL NULL,
// an empty map as '{}'.
func encodeExclusions(m map[string][]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode tokens_excluded_from_parent: %w", err)
	}
	return raw, nil
}

func decodeExclusions(raw []byte) (map[string][]string, error) {
	if raw == nil || string(raw) == "null" {
		return nil, nil
	}
	m := map[string][]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode tokens_excluded_from_parent: %w", err)
	}
	return m, nil
}
