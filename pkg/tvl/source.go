package tvl

import (
	"context"
	"time"
)

// SnapshotSource is the read port onto the hourly time series.
//
// Closest* return the record nearest to target within ±tolerance. No record in
// range is not an error: implementations return a nil or empty snapshot.
type SnapshotSource interface {
	LatestTvl(ctx context.Context, protocolID string) (Snapshot, error)
	ClosestTvl(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (Snapshot, error)
	LatestTokensUsd(ctx context.Context, protocolID string) (TokenUsdSnapshot, error)
	ClosestTokensUsd(ctx context.Context, protocolID string, target time.Time, tolerance time.Duration) (TokenUsdSnapshot, error)
}

// MetadataLookup resolves categorization flags. Implementations return
// ErrMetadataNotFound (possibly wrapped) when the protocol is unknown.
type MetadataLookup interface {
	Metadata(ctx context.Context, protocolID string) (*Metadata, error)
}
