package protocols

import (
	"context"
	"errors"
	"fmt"

	"github.com/tvlscope/tvlscope/pkg/db/postgres"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a protocol id is unknown.
var ErrNotFound = errors.New("protocol not found")

var _ tvl.MetadataLookup = (*DB)(nil)

// DB is the PostgreSQL protocol registry: definitions and classification metadata.
type DB struct {
	postgres.Client
	Name string
}

// NewWithPoolConfig makes sure the database exists, connects to it and creates the tables.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	logger = logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	)

	maintenance, err := postgres.New(ctx, logger, "", &poolConfig)
	if err != nil {
		return nil, err
	}
	err = maintenance.CreateDbIfNotExists(ctx, name)
	maintenance.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}

	client, err := postgres.New(ctx, logger, name, &poolConfig)
	if err != nil {
		return nil, err
	}

	registry := &DB{
		Client: client,
		Name:   name,
	}

	if err := registry.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return registry, nil
}

// DatabaseName returns the name of the registry database
func (db *DB) DatabaseName() string {
	return db.Name
}

// InitializeDB ensures the protocols and protocol_metadata tables exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing protocol registry", zap.String("database", db.Name))

	if err := db.initProtocols(ctx); err != nil {
		return fmt.Errorf("create protocols: %w", err)
	}

	if err := db.initMetadata(ctx); err != nil {
		return fmt.Errorf("create protocol_metadata: %w", err)
	}

	return nil
}
