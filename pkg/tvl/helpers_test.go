package tvl

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

// fakeSource serves canned snapshots per window and checks the targets it is asked for.
type fakeSource struct {
	tvl    [windowCount]Snapshot
	tokens [windowCount]TokenUsdSnapshot
	err    error

	tvlCalls   atomic.Int32
	tokenCalls atomic.Int32
}

func (f *fakeSource) windowFor(target time.Time, tolerance time.Duration) (window, error) {
	if tolerance != ClosestTolerance {
		return 0, fmt.Errorf("unexpected tolerance %s", tolerance)
	}
	for w := windowDay; w < windowCount; w++ {
		if fixedNow.Add(-windowOffsets[w]).Equal(target) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("unexpected target %s", target)
}

func (f *fakeSource) LatestTvl(context.Context, string) (Snapshot, error) {
	f.tvlCalls.Add(1)
	return f.tvl[windowLatest], f.err
}

func (f *fakeSource) ClosestTvl(_ context.Context, _ string, target time.Time, tolerance time.Duration) (Snapshot, error) {
	f.tvlCalls.Add(1)
	w, err := f.windowFor(target, tolerance)
	if err != nil {
		return nil, err
	}
	return f.tvl[w], f.err
}

func (f *fakeSource) LatestTokensUsd(context.Context, string) (TokenUsdSnapshot, error) {
	f.tokenCalls.Add(1)
	return f.tokens[windowLatest], f.err
}

func (f *fakeSource) ClosestTokensUsd(_ context.Context, _ string, target time.Time, tolerance time.Duration) (TokenUsdSnapshot, error) {
	f.tokenCalls.Add(1)
	w, err := f.windowFor(target, tolerance)
	if err != nil {
		return nil, err
	}
	return f.tokens[w], f.err
}

// MockSource is a testify mock of SnapshotSource for call assertions.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) LatestTvl(ctx context.Context, protocolID string) (Snapshot, error) {
	args := m.Called(ctx, protocolID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Snapshot), args.Error(1)
}

func (m *MockSource) ClosestTvl(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (Snapshot, error) {
	args := m.Called(ctx, protocolID, target, tolerance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Snapshot), args.Error(1)
}

func (m *MockSource) LatestTokensUsd(ctx context.Context, protocolID string) (TokenUsdSnapshot, error) {
	args := m.Called(ctx, protocolID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(TokenUsdSnapshot), args.Error(1)
}

func (m *MockSource) ClosestTokensUsd(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (TokenUsdSnapshot, error) {
	args := m.Called(ctx, protocolID, target, tolerance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(TokenUsdSnapshot), args.Error(1)
}

// barrierSource holds every read until parties reads are in flight at once.
type barrierSource struct {
	*fakeSource
	parties int32
	arrived atomic.Int32
	ready   chan struct{}
}

func newBarrierSource(inner *fakeSource, parties int32) *barrierSource {
	return &barrierSource{fakeSource: inner, parties: parties, ready: make(chan struct{})}
}

func (b *barrierSource) await(ctx context.Context) error {
	if b.arrived.Add(1) == b.parties {
		close(b.ready)
	}
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("only %d of %d reads in flight", b.arrived.Load(), b.parties)
	}
}

func (b *barrierSource) LatestTvl(ctx context.Context, id string) (Snapshot, error) {
	if err := b.await(ctx); err != nil {
		return nil, err
	}
	return b.fakeSource.LatestTvl(ctx, id)
}

func (b *barrierSource) ClosestTvl(ctx context.Context, id string, target time.Time, tolerance time.Duration) (Snapshot, error) {
	if err := b.await(ctx); err != nil {
		return nil, err
	}
	return b.fakeSource.ClosestTvl(ctx, id, target, tolerance)
}

func (b *barrierSource) LatestTokensUsd(ctx context.Context, id string) (TokenUsdSnapshot, error) {
	if err := b.await(ctx); err != nil {
		return nil, err
	}
	return b.fakeSource.LatestTokensUsd(ctx, id)
}

func (b *barrierSource) ClosestTokensUsd(ctx context.Context, id string, target time.Time, tolerance time.Duration) (TokenUsdSnapshot, error) {
	if err := b.await(ctx); err != nil {
		return nil, err
	}
	return b.fakeSource.ClosestTokensUsd(ctx, id, target, tolerance)
}

type panickingMetadata struct{}

func (panickingMetadata) Metadata(context.Context, string) (*Metadata, error) {
	panic("metadata driver bug")
}

type fakeMetadata struct {
	byID map[string]*Metadata
	err  error
}

func (f fakeMetadata) Metadata(_ context.Context, id string) (*Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	md, ok := f.byID[id]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	return md, nil
}

func metadataFor(id string, md Metadata) fakeMetadata {
	return fakeMetadata{byID: map[string]*Metadata{id: &md}}
}

func newTestAggregator(t *testing.T, source SnapshotSource, md MetadataLookup, c Collaborators) *Aggregator {
	t.Helper()
	c.Now = func() time.Time { return fixedNow }
	return NewAggregator(zaptest.NewLogger(t), source, md, WithCollaborators(c))
}

// sameHistory repeats one snapshot for the day, week and month windows.
func sameHistory(latest, history Snapshot) [windowCount]Snapshot {
	return [windowCount]Snapshot{latest, history, history, history}
}

func entry(tvl, day, week, month *float64) Entry {
	return Entry{Tvl: tvl, TvlPrevDay: day, TvlPrevWeek: week, TvlPrevMonth: month}
}

func num(v float64) *float64 { return &v }
