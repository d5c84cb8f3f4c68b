package tvl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
)

// window indexes the four readings that make up an Entry.
type window int

const (
	windowLatest window = iota
	windowDay
	windowWeek
	windowMonth
	windowCount
)

const (
	day = 24 * time.Hour
	// ClosestTolerance is the search radius around each historical target.
	ClosestTolerance = day
)

// windowOffsets are subtracted from "now" to get each historical target.
var windowOffsets = [windowCount]time.Duration{
	windowDay:   day,
	windowWeek:  7 * day,
	windowMonth: 30 * day,
}

func (w window) String() string {
	switch w {
	case windowLatest:
		return "latest"
	case windowDay:
		return "day"
	case windowWeek:
		return "week"
	case windowMonth:
		return "month"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

// snapshotSet is everything one aggregation reads.
type snapshotSet struct {
	tvl           [windowCount]Snapshot
	tokens        [windowCount]TokenUsdSnapshot
	tokensFetched bool
}

// fetch issues every read on one pool group and waits for all of them.
// Token-level reads are skipped when the protocol declares no parent exclusion.
func (a *Aggregator) fetch(ctx context.Context, p Protocol, now time.Time) (*snapshotSet, error) {
	set := &snapshotSet{tokensFetched: p.DeclaresParentExclusion()}

	var (
		tvlErrs   [windowCount]error
		tokenErrs [windowCount]error
	)

	group := a.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for w := windowLatest; w < windowCount; w++ {
		group.Submit(func() {
			if w == windowLatest {
				set.tvl[w], tvlErrs[w] = a.source.LatestTvl(groupCtx, p.ID)
				return
			}
			set.tvl[w], tvlErrs[w] = a.source.ClosestTvl(groupCtx, p.ID, now.Add(-windowOffsets[w]), ClosestTolerance)
		})

		if !set.tokensFetched {
			continue
		}
		group.Submit(func() {
			if w == windowLatest {
				set.tokens[w], tokenErrs[w] = a.source.LatestTokensUsd(groupCtx, p.ID)
				return
			}
			set.tokens[w], tokenErrs[w] = a.source.ClosestTokensUsd(groupCtx, p.ID, now.Add(-windowOffsets[w]), ClosestTolerance)
		})
	}

	// A panicking source surfaces here rather than in the per-task errors.
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}

	var errs []error
	for w := windowLatest; w < windowCount; w++ {
		if tvlErrs[w] != nil {
			errs = append(errs, fmt.Errorf("%s tvl: %w", w, tvlErrs[w]))
		}
		if tokenErrs[w] != nil {
			errs = append(errs, fmt.Errorf("%s tokens usd: %w", w, tokenErrs[w]))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}

	return set, nil
}
