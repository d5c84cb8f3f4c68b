package refresher

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/tvlscope/tvlscope/pkg/db"
	"github.com/tvlscope/tvlscope/pkg/logging"
	"github.com/tvlscope/tvlscope/pkg/redis"
	"github.com/tvlscope/tvlscope/pkg/retry"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// ProtocolLister enumerates the protocols to refresh.
type ProtocolLister interface {
	ListProtocols(ctx context.Context) ([]tvl.Protocol, error)
}

// Computer produces one protocol summary.
type Computer interface {
	Compute(ctx context.Context, p tvl.Protocol, useNewChainNames bool) tvl.Result
}

// ResultWriter receives fresh results.
type ResultWriter interface {
	Put(ctx context.Context, protocolID string, useNewChainNames bool, res tvl.Result) error
	Announce(ctx context.Context, protocolID string)
}

// App recomputes every protocol summary on each Cron tick and pushes the
// results to the cache the query service reads.
type App struct {
	Stores      *db.Stores
	RedisClient *redis.Client

	Lister     ProtocolLister
	Aggregator Computer
	Results    ResultWriter

	// Pool runs one task per protocol; each task computes both naming modes.
	Pool pond.Pool

	// Cron is the scheduler that triggers refreshes according to CronSpec.
	Cron       *cron.Cron
	CronSpec   string
	RunTimeout time.Duration

	// Statuses holds the last outcome per protocol and naming mode.
	Statuses *xsync.Map[string, tvl.Status]

	Logger *zap.Logger
	Server *http.Server

	ready   atomic.Bool
	running atomic.Bool // guards against overlapping runs
}

// Initialize wires databases, Redis and the aggregator.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("refresher")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	stores, err := db.NewStores(ctx, logger, "refresher")
	if err != nil {
		logger.Fatal("Unable to initialize databases", zap.Error(err))
	}

	// The refresher exists to fill the cache, so Redis is mandatory here.
	redisClient, err := redis.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize Redis client", zap.Error(err))
	}

	fetchPool := pond.NewPool(utils.EnvInt("FETCH_WORKERS", tvl.DefaultFetchWorkers))
	aggregator := tvl.NewAggregator(
		logger,
		tvl.WithRetry(stores.Snapshots, retry.FetchConfigFromEnv(), logger),
		redis.NewCachedMetadata(stores.Protocols, redisClient, utils.EnvDuration("REDIS_METADATA_TTL", time.Hour), logger),
		tvl.WithPool(fetchPool),
	)

	app := &App{
		Stores:      stores,
		RedisClient: redisClient,
		Lister:      stores.Protocols,
		Aggregator:  aggregator,
		Results:     redis.NewResultCache(redisClient, redisClient, utils.EnvDuration("REDIS_RESULT_TTL", 30*time.Minute)),
		Pool:        pond.NewPool(utils.EnvInt("REFRESH_WORKERS", 8)),
		CronSpec:    utils.Env("REFRESH_CRON", "@every 10m"),
		RunTimeout:  utils.EnvDuration("REFRESH_TIMEOUT", 5*time.Minute),
		Statuses:    xsync.NewMap[string, tvl.Status](),
		Logger:      logger,
	}

	if err := app.SetupScheduler(ctx); err != nil {
		return nil, err
	}

	return app, nil
}

// SetupServer sets up the probe server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")
	a.Server = &http.Server{Addr: addr, Handler: a.Router()}
}

// Router serves liveness and readiness. Ready means at least one refresh finished.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods(http.MethodGet)

	return r
}

// Ready reports whether a refresh has completed since start.
func (a *App) Ready() bool { return a.ready.Load() }

// Start serves probes and blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("Refresher shutting down")
	a.StopCron()
	a.Pool.StopAndWait()
	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
