package admin

import (
	"context"
	"time"

	"github.com/tvlscope/tvlscope/app/admin/types"
	"github.com/tvlscope/tvlscope/pkg/db"
	"github.com/tvlscope/tvlscope/pkg/logging"
	"github.com/tvlscope/tvlscope/pkg/redis"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("admin")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	stores, err := db.NewStores(ctx, logger, "admin")
	if err != nil {
		logger.Fatal("Unable to initialize databases", zap.Error(err))
	}

	app := &types.App{
		Protocols: stores.Protocols,
		Snapshots: stores.Snapshots,
		HealthChecks: map[string]func(context.Context) error{
			"database": stores.Ping,
		},
		Closers: []func() error{stores.Close},
		Logger:  logger,
	}

	// Metadata edits must evict the entries the query and refresher services cache.
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err := redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - cached metadata expires on its TTL", zap.Error(err))
		} else {
			app.MetadataCache = redis.NewCachedMetadata(stores.Protocols, redisClient, utils.EnvDuration("REDIS_METADATA_TTL", time.Hour), logger)
			app.HealthChecks["redis"] = redisClient.Health
			app.Closers = append(app.Closers, redisClient.Close)
		}
	}

	return app
}
