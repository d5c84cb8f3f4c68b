package types

import (
	"context"
	"net/http"
	"time"

	snapshotmodels "github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// ProtocolStore is the protocol registry as the admin API edits it.
type ProtocolStore interface {
	UpsertProtocol(ctx context.Context, p tvl.Protocol) error
	GetProtocol(ctx context.Context, id string) (*tvl.Protocol, error)
	ListProtocols(ctx context.Context) ([]tvl.Protocol, error)
	UpsertMetadata(ctx context.Context, protocolID string, md tvl.Metadata) error
	Metadata(ctx context.Context, protocolID string) (*tvl.Metadata, error)

	// BeginFunc runs fn in one transaction; the methods above join it through ctx.
	BeginFunc(ctx context.Context, fn func(ctx context.Context) error) error
}

// MetadataInvalidator drops cached classification flags after an edit.
type MetadataInvalidator interface {
	Invalidate(ctx context.Context, protocolID string) error
}

// SnapshotWriter ingests hourly readings.
type SnapshotWriter interface {
	InsertHourlyTvl(ctx context.Context, rows []*snapshotmodels.HourlyTvl) error
	InsertHourlyTokensUsd(ctx context.Context, rows []*snapshotmodels.HourlyTokensUsd) error
}

// User is an admin account. Hash is a bcrypt hash.
type User struct {
	Username string `json:"username"`
	Hash     string `json:"hash"`
	Role     string `json:"role"`
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

type App struct {
	Protocols ProtocolStore
	Snapshots SnapshotWriter
	// MetadataCache is nil when Redis is disabled.
	MetadataCache MetadataInvalidator

	// HealthChecks run on GET /api/health, keyed by dependency name.
	HealthChecks map[string]func(context.Context) error
	// Closers release connections on shutdown, in order.
	Closers []func() error

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	for _, closeFn := range a.Closers {
		if err := closeFn(); err != nil {
			a.Logger.Error("Failed to close connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
