package types

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tvlscope/tvlscope/pkg/redis"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// ProtocolRegistry is the source of protocol definitions.
type ProtocolRegistry interface {
	ListProtocols(ctx context.Context) ([]tvl.Protocol, error)
}

// Computer produces one protocol summary.
type Computer interface {
	Compute(ctx context.Context, p tvl.Protocol, useNewChainNames bool) tvl.Result
}

// ResultCache holds precomputed summaries. Nil when Redis is disabled.
type ResultCache interface {
	Get(ctx context.Context, protocolID string, useNewChainNames bool) (tvl.Result, bool, error)
	Put(ctx context.Context, protocolID string, useNewChainNames bool, res tvl.Result) error
}

type App struct {
	Registry   ProtocolRegistry
	Protocols  *xsync.Map[string, tvl.Protocol]
	Aggregator Computer
	Results    ResultCache

	// HealthChecks run on GET /health, keyed by dependency name.
	HealthChecks map[string]func(context.Context) error
	// Closers release connections on shutdown, in order.
	Closers []func() error

	RedisClient *redis.Client

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server

	refreshMu sync.Mutex
}

// RefreshProtocols replaces the registry snapshot with the database contents.
func (a *App) RefreshProtocols(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	protocols, err := a.Registry.ListProtocols(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		listed[p.ID] = struct{}{}
		a.Protocols.Store(p.ID, p)
	}
	a.Protocols.Range(func(id string, _ tvl.Protocol) bool {
		if _, ok := listed[id]; !ok {
			a.Protocols.Delete(id)
		}
		return true
	})
	return nil
}

// LoadProtocol attempts to load a protocol, and if not found, refreshes the
// registry from the database and tries again before failing.
func (a *App) LoadProtocol(ctx context.Context, id string) (tvl.Protocol, bool) {
	if p, ok := a.Protocols.Load(id); ok {
		return p, true
	}

	a.Logger.Debug("Protocol not found in registry, refreshing from database", zap.String("protocol", id))

	if err := a.RefreshProtocols(ctx); err != nil {
		a.Logger.Error("Failed to refresh protocol registry", zap.Error(err))
		return tvl.Protocol{}, false
	}

	return a.Protocols.Load(id)
}

// WatchComputed evicts a protocol from the registry whenever the refresher
// announces it, so the next request reloads its definition. It returns when
// ctx is done. No-op without Redis.
func (a *App) WatchComputed(ctx context.Context) {
	if a.RedisClient == nil {
		return
	}

	sub := a.RedisClient.PSubscribe(ctx, redis.ComputedPattern)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if id, ok := redis.ProtocolFromChannel(msg.Channel); ok {
				a.Protocols.Delete(id)
			}
		}
	}
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	go a.WatchComputed(ctx)
	<-ctx.Done()

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
