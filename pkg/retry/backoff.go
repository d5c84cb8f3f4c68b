package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// Config defines retry behavior
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultConfig returns the settings used for database connections.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// FetchConfigFromEnv returns a short-lived policy for snapshot reads.
// FETCH_RETRIES bounds the attempts (default 3), FETCH_RETRY_DELAY the first wait.
func FetchConfigFromEnv() Config {
	return Config{
		MaxRetries:    utils.EnvInt("FETCH_RETRIES", 3),
		InitialDelay:  utils.EnvDuration("FETCH_RETRY_DELAY", 200*time.Millisecond),
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// Do executes fn with exponential backoff and optional jitter and returns its value.
func Do[T any](ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return v, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		delay := calculateBackoff(cfg, attempt)

		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxRetries, lastErr)
}

// WithBackoff is Do for operations that only report an error.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	_, err := Do(ctx, cfg, logger, operation, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// Add jitter to prevent thundering herd
	if cfg.JitterEnabled {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Delay is the wait before retry attempt (1-based) under cfg.
func Delay(cfg Config, attempt int) time.Duration {
	return calculateBackoff(cfg, attempt)
}
