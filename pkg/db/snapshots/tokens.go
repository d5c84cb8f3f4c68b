package snapshots

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-jose/go-jose/v4/json"
	snapshotmodels "github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

func (db *DB) initHourlyTokensUsd(ctx context.Context) error {
	table := snapshotmodels.HourlyTokensUsdTableName
	if err := db.Exec(ctx, createTableQuery(&db.Client, db.Name, table, snapshotmodels.HourlyTokensUsdColumns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	db.Logger.Debug("Hourly token USD table initialized",
		zap.String("table", table),
		zap.String("database", db.Name))
	return nil
}

// TokensRow builds an insertable row from a decoded balance section.
func TokensRow(protocolID, chain string, hour time.Time, balances tvl.TokenBalances) (*snapshotmodels.HourlyTokensUsd, error) {
	raw, err := json.Marshal(balances)
	if err != nil {
		return nil, fmt.Errorf("encode %s tokens for %s: %w", chain, protocolID, err)
	}
	return &snapshotmodels.HourlyTokensUsd{
		ProtocolID:   protocolID,
		SnapshotHour: hour,
		Chain:        chain,
		Tokens:       string(raw),
	}, nil
}

// InsertHourlyTokensUsd inserts token breakdowns in batch.
func (db *DB) InsertHourlyTokensUsd(ctx context.Context, rows []*snapshotmodels.HourlyTokensUsd) error {
	if len(rows) == 0 {
		return nil
	}

	table := snapshotmodels.HourlyTokensUsdTableName
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, db.Name, table,
		strings.Join(snapshotmodels.ColumnsToNameList(snapshotmodels.HourlyTokensUsdColumns), ", "))

	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch for %s: %w", table, err)
	}
	defer func(batch driver.Batch) { _ = batch.Abort() }(batch)

	now := time.Now().UTC()
	for _, r := range rows {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if err := batch.Append(
			r.ProtocolID,
			r.SnapshotHour.UTC().Truncate(time.Hour),
			r.Chain,
			r.Tokens,
			updatedAt,
		); err != nil {
			return fmt.Errorf("append token breakdown to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch for %s: %w", table, err)
	}
	return nil
}

// LatestTokensUsd returns the newest token breakdown, or nil.
func (db *DB) LatestTokensUsd(ctx context.Context, protocolID string) (tvl.TokenUsdSnapshot, error) {
	var rows []snapshotmodels.HourlyTokensUsd
	query := latestQuery(db.Name, snapshotmodels.HourlyTokensUsdTableName, "chain, tokens")
	if err := db.Select(ctx, &rows, query, protocolID, protocolID); err != nil {
		return nil, fmt.Errorf("latest tokens usd for %s: %w", protocolID, err)
	}
	return db.toTokenSnapshot(protocolID, rows), nil
}

// ClosestTokensUsd returns the token breakdown nearest to target within tolerance, or nil.
func (db *DB) ClosestTokensUsd(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (tvl.TokenUsdSnapshot, error) {
	var rows []snapshotmodels.HourlyTokensUsd
	query := closestQuery(db.Name, snapshotmodels.HourlyTokensUsdTableName, "chain, tokens")
	target = target.UTC()
	if err := db.Select(ctx, &rows, query,
		protocolID, protocolID, target.Add(-tolerance), target.Add(tolerance), target,
	); err != nil {
		return nil, fmt.Errorf("closest tokens usd for %s at %s: %w", protocolID, target.Format(time.RFC3339), err)
	}
	return db.toTokenSnapshot(protocolID, rows), nil
}

// toTokenSnapshot decodes each chain's JSON. A malformed section is kept as a
// nil entry so it contributes zero to exclusion sums.
func (db *DB) toTokenSnapshot(protocolID string, rows []snapshotmodels.HourlyTokensUsd) tvl.TokenUsdSnapshot {
	if len(rows) == 0 {
		return nil
	}
	s := make(tvl.TokenUsdSnapshot, len(rows))
	for _, r := range rows {
		balances, err := decodeTokens(r.Tokens)
		if err != nil {
			db.Logger.Warn("Malformed token section",
				zap.String("protocol_id", protocolID),
				zap.String("chain", r.Chain),
				zap.Error(err))
		}
		s[r.Chain] = balances
	}
	return s
}

func decodeTokens(raw string) (tvl.TokenBalances, error) {
	if raw == "" {
		return nil, nil
	}
	var balances tvl.TokenBalances
	if err := json.Unmarshal([]byte(raw), &balances); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	return balances, nil
}
