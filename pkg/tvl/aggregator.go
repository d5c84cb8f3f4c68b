// Package tvl turns hourly TVL snapshots into the per-protocol summary served
// to dashboards: totals with day/week/month comparisons, a per-chain breakdown
// and the double-counted, liquid-staking and parent-exclusion views.
package tvl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/tvlscope/tvlscope/pkg/chains"
	"go.uber.org/zap"
)

// DefaultFetchWorkers bounds the shared pool when none is supplied.
const DefaultFetchWorkers = 32

// Collaborators are the naming and policy lookups the aggregation consults.
// Zero fields fall back to pkg/chains, ExcludedFromCharts and time.Now.
type Collaborators struct {
	DisplayName        func(raw string, useNewNames bool) string
	IsNonChain         func(key string) bool
	IncludeSection     func(displayName string) bool
	ExcludedFromCharts func(category string) bool
	Now                func() time.Time
}

func (c Collaborators) withDefaults() Collaborators {
	if c.DisplayName == nil {
		c.DisplayName = chains.DisplayName
	}
	if c.IsNonChain == nil {
		c.IsNonChain = chains.IsNonChain
	}
	if c.IncludeSection == nil {
		c.IncludeSection = chains.IncludeSection
	}
	if c.ExcludedFromCharts == nil {
		c.ExcludedFromCharts = ExcludedFromCharts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Aggregator computes protocol summaries. It is safe for concurrent use.
type Aggregator struct {
	logger   *zap.Logger
	source   SnapshotSource
	metadata MetadataLookup
	pool     pond.Pool
	collab   Collaborators
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithPool shares an existing worker pool for snapshot reads.
func WithPool(pool pond.Pool) Option {
	return func(a *Aggregator) { a.pool = pool }
}

func WithCollaborators(c Collaborators) Option {
	return func(a *Aggregator) { a.collab = c }
}

// NewAggregator wires the snapshot and metadata ports.
func NewAggregator(logger *zap.Logger, source SnapshotSource, metadata MetadataLookup, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:   logger,
		source:   source,
		metadata: metadata,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pool == nil {
		a.pool = pond.NewPool(DefaultFetchWorkers)
	}
	a.collab = a.collab.withDefaults()
	return a
}

// Compute returns the summary of p. It never fails: problems are logged and
// reported through Result.Status, with whatever was assembled before them.
func (a *Aggregator) Compute(ctx context.Context, p Protocol, useNewChainNames bool) (res Result) {
	res = newResult()
	logger := a.logger.With(zap.String("protocol", p.ID))

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusPartial
			res.Err = fmt.Errorf("aggregate %s: panic: %v", p.ID, r)
			logger.Error("Protocol TVL aggregation aborted", zap.Error(res.Err))
		}
	}()

	md, err := a.metadata.Metadata(ctx, p.ID)
	if md == nil && err == nil {
		err = ErrMetadataNotFound
	}
	if err != nil {
		if errors.Is(err, ErrMetadataNotFound) {
			logger.Warn("Protocol metadata not found, skipping it")
			return res
		}
		logger.Error("Protocol metadata lookup failed", zap.Error(err))
		res.Status = StatusPartial
		res.Err = fmt.Errorf("lookup metadata for %s: %w", p.ID, err)
		return res
	}

	set, err := a.fetch(ctx, p, a.collab.Now())
	if err != nil {
		res.Status = StatusPartial
		res.Err = err
		logger.Error("Protocol TVL snapshots unavailable", zap.Error(err))
		return res
	}

	if set.tvl[windowLatest] == nil {
		logger.Debug("No latest TVL record")
		return res
	}

	newExpansion(a.collab, p, *md, set, useNewChainNames).run(&res)
	applyDefaultChain(&res, p)
	res.Status = StatusComplete

	logger.Debug("Protocol TVL aggregated",
		zap.Int("entries", len(res.ChainTvls)),
		zap.Bool("tokensFetched", set.tokensFetched))

	return res
}
