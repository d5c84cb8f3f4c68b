package refresher

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// specParser accepts 5-field, 6-field (with seconds) and @descriptor specs.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// SetupScheduler registers the refresh job. Overlapping ticks are skipped.
func (a *App) SetupScheduler(ctx context.Context) error {
	logger := cronLogger{logger: a.Logger.Named("cron").Sugar()}
	a.Cron = cron.New(
		cron.WithParser(specParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, a.RunTimeout)
		defer cancel()
		if _, err := a.Refresh(rctx); err != nil {
			a.Logger.Error("Refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid REFRESH_CRON %q: %w", a.CronSpec, err)
	}

	return nil
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the cron scheduler and waits for a running refresh.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}
