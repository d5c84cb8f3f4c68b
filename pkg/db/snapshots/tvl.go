package snapshots

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	snapshotmodels "github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// initHourlyTvl creates the hourly_tvl table.
// ReplacingMergeTree(updated_at) lets a collector rewrite the same hour idempotently.
func (db *DB) initHourlyTvl(ctx context.Context) error {
	table := snapshotmodels.HourlyTvlTableName
	if err := db.Exec(ctx, createTableQuery(&db.Client, db.Name, table, snapshotmodels.HourlyTvlColumns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	db.Logger.Debug("Hourly TVL table initialized",
		zap.String("table", table),
		zap.String("database", db.Name))
	return nil
}

// InsertHourlyTvl inserts readings in batch. Hours are truncated and a zero
// UpdatedAt is stamped with the current time.
func (db *DB) InsertHourlyTvl(ctx context.Context, rows []*snapshotmodels.HourlyTvl) error {
	if len(rows) == 0 {
		return nil
	}

	table := snapshotmodels.HourlyTvlTableName
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, db.Name, table,
		strings.Join(snapshotmodels.ColumnsToNameList(snapshotmodels.HourlyTvlColumns), ", "))

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
			r.Tvl,
			updatedAt,
		); err != nil {
			return fmt.Errorf("append tvl reading to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch for %s: %w", table, err)
	}
	return nil
}

// LatestTvl returns the newest hourly record, or nil when the protocol has none.
func (db *DB) LatestTvl(ctx context.Context, protocolID string) (tvl.Snapshot, error) {
	var rows []snapshotmodels.HourlyTvl
	query := latestQuery(db.Name, snapshotmodels.HourlyTvlTableName, "chain, tvl")
	if err := db.Select(ctx, &rows, query, protocolID, protocolID); err != nil {
		return nil, fmt.Errorf("latest tvl for %s: %w", protocolID, err)
	}
	return toSnapshot(rows), nil
}

// ClosestTvl returns the record nearest to target within tolerance, or nil.
func (db *DB) ClosestTvl(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (tvl.Snapshot, error) {
	var rows []snapshotmodels.HourlyTvl
	query := closestQuery(db.Name, snapshotmodels.HourlyTvlTableName, "chain, tvl")
	target = target.UTC()
	if err := db.Select(ctx, &rows, query,
		protocolID, protocolID, target.Add(-tolerance), target.Add(tolerance), target,
	); err != nil {
		return nil, fmt.Errorf("closest tvl for %s at %s: %w", protocolID, target.Format(time.RFC3339), err)
	}
	return toSnapshot(rows), nil
}

func toSnapshot(rows []snapshotmodels.HourlyTvl) tvl.Snapshot {
	if len(rows) == 0 {
		return nil
	}
	s := make(tvl.Snapshot, len(rows))
	for _, r := range rows {
		s[r.Chain] = r.Tvl
	}
	return s
}
