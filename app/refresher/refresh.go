package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// ErrRefreshInProgress is returned when a refresh is requested while another runs.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// namingModes are computed for every protocol, new names first.
var namingModes = [...]bool{true, false}

// Stats summarizes one refresh run, counted per protocol and naming mode.
type Stats struct {
	Protocols int
	Complete  int
	Partial   int
	NoData    int
	CacheErrs int
}

// StatusKey is the Statuses key of one protocol in one naming mode.
func StatusKey(protocolID string, useNewChainNames bool) string {
	if useNewChainNames {
		return protocolID + ":new"
	}
	return protocolID + ":legacy"
}

// Refresh recomputes every listed protocol. Complete results are cached and
// announced; protocols that disappeared from the registry are forgotten.
func (a *App) Refresh(ctx context.Context) (Stats, error) {
	if !a.running.CompareAndSwap(false, true) {
		return Stats{}, ErrRefreshInProgress
	}
	defer a.running.Store(false)

	start := time.Now()
	protocols, err := a.Lister.ListProtocols(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list protocols: %w", err)
	}

	var complete, partial, noData, cacheErrs atomic.Int64

	group := a.Pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	listed := make(map[string]struct{}, len(protocols))

	for _, p := range protocols {
		listed[p.ID] = struct{}{}
		group.Submit(func() {
			announce := false
			for _, useNew := range namingModes {
				res := a.Aggregator.Compute(groupCtx, p, useNew)
				a.Statuses.Store(StatusKey(p.ID, useNew), res.Status)

				switch res.Status {
				case tvl.StatusComplete:
					complete.Add(1)
				case tvl.StatusPartial:
					partial.Add(1)
					continue
				default:
					noData.Add(1)
					continue
				}

				if err := a.Results.Put(groupCtx, p.ID, useNew, res); err != nil {
					cacheErrs.Add(1)
					a.Logger.Warn("Failed to cache protocol result",
						zap.String("protocol", p.ID),
						zap.Bool("newChainNames", useNew),
						zap.Error(err))
					continue
				}
				announce = true
			}
			if announce {
				a.Results.Announce(groupCtx, p.ID)
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return Stats{}, fmt.Errorf("refresh protocols: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, fmt.Errorf("refresh protocols: %w", err)
	}

	// Forget protocols that are no longer registered.
	a.Statuses.Range(func(key string, _ tvl.Status) bool {
		for _, useNew := range namingModes {
			id, ok := cutStatusKey(key, useNew)
			if !ok {
				continue
			}
			if _, still := listed[id]; !still {
				a.Statuses.Delete(key)
			}
		}
		return true
	})

	stats := Stats{
		Protocols: len(protocols),
		Complete:  int(complete.Load()),
		Partial:   int(partial.Load()),
		NoData:    int(noData.Load()),
		CacheErrs: int(cacheErrs.Load()),
	}
	a.ready.Store(true)

	a.Logger.Info("Refresh finished",
		zap.Int("protocols", stats.Protocols),
		zap.Int("complete", stats.Complete),
		zap.Int("partial", stats.Partial),
		zap.Int("noData", stats.NoData),
		zap.Int("cacheErrors", stats.CacheErrs),
		zap.Duration("took", time.Since(start)))

	return stats, nil
}

// RefreshOnce runs a refresh and logs, rather than returns, its error.
func (a *App) RefreshOnce(ctx context.Context) {
	if _, err := a.Refresh(ctx); err != nil {
		a.Logger.Error("Refresh failed", zap.Error(err))
	}
}

func cutStatusKey(key string, useNew bool) (string, bool) {
	suffix := StatusKey("", useNew)
	if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[:len(key)-len(suffix)], true
}
