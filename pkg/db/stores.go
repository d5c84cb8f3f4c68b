package db

import (
	"context"
	"fmt"

	"github.com/tvlscope/tvlscope/pkg/db/clickhouse"
	"github.com/tvlscope/tvlscope/pkg/db/postgres"
	"github.com/tvlscope/tvlscope/pkg/db/protocols"
	"github.com/tvlscope/tvlscope/pkg/db/snapshots"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// Stores bundles the two databases every service reads.
type Stores struct {
	Snapshots *snapshots.DB
	Protocols *protocols.DB
}

// NewStores opens the ClickHouse snapshot store and the Postgres protocol registry
// with pool sizes for component ("query", "refresher").
func NewStores(ctx context.Context, logger *zap.Logger, component string) (*Stores, error) {
	snapshotsDbName := utils.Env("CLICKHOUSE_DB", "tvlscope")
	protocolsDbName := utils.Env("POSTGRES_DB", "tvlscope")

	logger.Info("Opening databases",
		zap.String("snapshotsDb", snapshotsDbName),
		zap.String("protocolsDb", protocolsDbName))

	snapshotsDb, err := snapshots.NewWithPoolConfig(ctx, logger, snapshotsDbName, *clickhouse.GetPoolConfigForComponent(component))
	if err != nil {
		return nil, fmt.Errorf("open snapshots database: %w", err)
	}

	protocolsDb, err := protocols.NewWithPoolConfig(ctx, logger, protocolsDbName, *postgres.GetPoolConfigForComponent(component))
	if err != nil {
		_ = snapshotsDb.Close()
		return nil, fmt.Errorf("open protocols database: %w", err)
	}

	return &Stores{Snapshots: snapshotsDb, Protocols: protocolsDb}, nil
}

// Ping checks both databases.
func (s *Stores) Ping(ctx context.Context) error {
	if err := s.Snapshots.Db.Ping(ctx); err != nil {
		return fmt.Errorf("snapshots database: %w", err)
	}
	if err := s.Protocols.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("protocols database: %w", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *Stores) Close() error {
	s.Protocols.Close()
	return s.Snapshots.Close()
}
