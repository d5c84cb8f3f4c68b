package snapshots

import (
	"context"
	"fmt"

	"github.com/tvlscope/tvlscope/pkg/db/clickhouse"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

var _ tvl.SnapshotSource = (*DB)(nil)

// DB is the ClickHouse store of hourly protocol snapshots.
type DB struct {
	clickhouse.Client
	Name string
}

// NewWithPoolConfig connects, creates the database and tables, and returns the store.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig clickhouse.PoolConfig) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, &poolConfig)
	if err != nil {
		return nil, err
	}

	snapshotsDB := &DB{
		Client: client,
		Name:   clickhouse.SanitizeName(name),
	}

	if err := snapshotsDB.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return snapshotsDB, nil
}

// DatabaseName returns the name of the snapshots database
func (db *DB) DatabaseName() string {
	return db.Name
}

// InitializeDB ensures the database and both snapshot tables exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing snapshots database", zap.String("database", db.Name))

	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}

	if err := db.initHourlyTvl(ctx); err != nil {
		return err
	}

	if err := db.initHourlyTokensUsd(ctx); err != nil {
		return err
	}

	return nil
}
