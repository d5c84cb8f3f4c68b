package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tvlscope/tvlscope/pkg/retry"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// Executor is what *pgxpool.Pool and pgx.Tx have in common.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger         *zap.Logger
	Pool           *pgxpool.Pool
	TargetDatabase string
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string // For logging/debugging
}

// New connects to POSTGRES_URL with retries. When dbName is set the pool
// targets that database; use CreateDbIfNotExists from a maintenance connection first.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig ...*PoolConfig) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger
	client.TargetDatabase = dbName
	retryConfig := retry.DefaultConfig()

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}
	if dbName != "" {
		config.ConnConfig.Database = dbName
	}

	var poolConf PoolConfig
	if len(poolConfig) > 0 && poolConfig[0] != nil {
		poolConf = *poolConfig[0]
	} else {
		poolConf = *GetPoolConfigForComponent("")
	}

	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	retryErr := retry.WithBackoff(connCtx, retryConfig, logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		logger.Debug("Pinging PostgreSQL connection",
			zap.String("db", dbName),
			zap.String("component", poolConf.Component),
		)

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("database", dbName),
			zap.String("component", poolConf.Component),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
			zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
		)

		return nil
	})

	if retryErr != nil {
		return Client{}, retryErr
	}

	return client, nil
}

// CreateDbIfNotExists ensures that the specified database exists by creating it if it does not already exist.
// Note: This requires connecting to a default database (like 'postgres') first.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)"
	if err := c.Pool.QueryRow(ctx, query, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		// Cannot use parameterized query for CREATE DATABASE
		query := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
		c.Logger.Info("Creating database", zap.String("database", dbName))
		if _, err := c.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	return nil
}

// Exec runs a statement on the transaction carried by ctx, or on the pool.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.executor(ctx).Exec(ctx, query, args...)
	return err
}

// Query runs a query on the transaction carried by ctx, or on the pool.
// Callers must close the returned rows.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.executor(ctx).Query(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.executor(ctx).QueryRow(ctx, query, args...)
}

// BeginFunc runs fn inside one transaction, committed when fn returns nil.
// Exec, Query and QueryRow calls made with the ctx passed to fn join it.
// A ctx already carrying a transaction is reused as is.
func (c *Client) BeginFunc(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(withTx(ctx, tx))
	})
}

// Close closes the connection pool
func (c *Client) Close() {
	c.Pool.Close()
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func (c *Client) executor(ctx context.Context) Executor {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return c.Pool
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent returns deterministic pool settings for each component
func GetPoolConfigForComponent(component string) *PoolConfig {
	var minConns, maxConns int32
	connMaxLifetime := 5 * time.Minute
	connMaxIdleTime := 2 * time.Minute

	switch component {
	case "query":
		minConns = 2
		maxConns = 10
	case "refresher", "admin":
		minConns = 1
		maxConns = 5
	default:
		minConns = 2
		maxConns = 20
	}

	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		Component:       component,
	}
}
