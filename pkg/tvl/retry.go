package tvl

import (
	"context"
	"time"

	"github.com/tvlscope/tvlscope/pkg/retry"
	"go.uber.org/zap"
)

type retryingSource struct {
	next   SnapshotSource
	cfg    retry.Config
	logger *zap.Logger
}

// WithRetry wraps every read of next in exponential backoff.
// Compute itself never retries; callers that want retries install this.
func WithRetry(next SnapshotSource, cfg retry.Config, logger *zap.Logger) SnapshotSource {
	return &retryingSource{next: next, cfg: cfg, logger: logger}
}

func (s *retryingSource) LatestTvl(ctx context.Context, protocolID string) (Snapshot, error) {
	return retry.Do(ctx, s.cfg, s.logger, "latest_tvl", func(ctx context.Context) (Snapshot, error) {
		return s.next.LatestTvl(ctx, protocolID)
	})
}

func (s *retryingSource) ClosestTvl(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (Snapshot, error) {
	return retry.Do(ctx, s.cfg, s.logger, "closest_tvl", func(ctx context.Context) (Snapshot, error) {
		return s.next.ClosestTvl(ctx, protocolID, target, tolerance)
	})
}

func (s *retryingSource) LatestTokensUsd(ctx context.Context, protocolID string) (TokenUsdSnapshot, error) {
	return retry.Do(ctx, s.cfg, s.logger, "latest_tokens_usd", func(ctx context.Context) (TokenUsdSnapshot, error) {
		return s.next.LatestTokensUsd(ctx, protocolID)
	})
}

func (s *retryingSource) ClosestTokensUsd(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (TokenUsdSnapshot, error) {
	return retry.Do(ctx, s.cfg, s.logger, "closest_tokens_usd", func(ctx context.Context) (TokenUsdSnapshot, error) {
		return s.next.ClosestTokensUsd(ctx, protocolID, target, tolerance)
	})
}
