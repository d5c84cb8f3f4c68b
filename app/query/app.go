package query

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tvlscope/tvlscope/app/query/types"
	"github.com/tvlscope/tvlscope/pkg/db"
	"github.com/tvlscope/tvlscope/pkg/logging"
	"github.com/tvlscope/tvlscope/pkg/redis"
	"github.com/tvlscope/tvlscope/pkg/retry"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("query")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	stores, err := db.NewStores(ctx, logger, "query")
	if err != nil {
		logger.Fatal("Unable to initialize databases", zap.Error(err))
	}

	// Initialize Redis client for cached results (optional)
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - every request will be computed",
				zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis client initialized for cached results")
		}
	} else {
		logger.Info("Redis disabled - every request will be computed")
	}

	var metadata tvl.MetadataLookup = stores.Protocols
	if redisClient != nil {
		metadata = redis.NewCachedMetadata(stores.Protocols, redisClient, utils.EnvDuration("REDIS_METADATA_TTL", time.Hour), logger)
	}

	aggregator := tvl.NewAggregator(
		logger,
		tvl.WithRetry(stores.Snapshots, retry.FetchConfigFromEnv(), logger),
		metadata,
		tvl.WithPool(pond.NewPool(utils.EnvInt("FETCH_WORKERS", tvl.DefaultFetchWorkers))),
	)

	app := &types.App{
		Registry:   stores.Protocols,
		Protocols:  xsync.NewMap[string, tvl.Protocol](),
		Aggregator: aggregator,
		HealthChecks: map[string]func(context.Context) error{
			"database": stores.Ping,
		},
		Closers:     []func() error{stores.Close},
		RedisClient: redisClient,
		Logger:      logger,
	}

	if redisClient != nil {
		app.Results = redis.NewResultCache(redisClient, redisClient, utils.EnvDuration("REDIS_RESULT_TTL", 30*time.Minute))
		app.HealthChecks["redis"] = redisClient.Health
		app.Closers = append(app.Closers, redisClient.Close)
	}

	if err := app.RefreshProtocols(ctx); err != nil {
		// the registry fills on the first miss
		logger.Warn("Unable to preload protocol registry", zap.Error(err))
	}

	return app
}
