package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

const metadataKeyPrefix = "tvl:metadata:"

// CachedMetadata is a read-through cache in front of a tvl.MetadataLookup.
// Only found metadata is cached; misses and errors always reach the backing lookup.
// Cache failures degrade to direct lookups.
type CachedMetadata struct {
	next   tvl.MetadataLookup
	kv     KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedMetadata(next tvl.MetadataLookup, kv KV, ttl time.Duration, logger *zap.Logger) *CachedMetadata {
	return &CachedMetadata{next: next, kv: kv, ttl: ttl, logger: logger}
}

func (c *CachedMetadata) Metadata(ctx context.Context, protocolID string) (*tvl.Metadata, error) {
	key := metadataKeyPrefix + protocolID

	raw, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		var md tvl.Metadata
		if jsonErr := json.Unmarshal([]byte(raw), &md); jsonErr == nil {
			return &md, nil
		}
		c.logger.Warn("Discarding undecodable cached metadata", zap.String("key", key))
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("Metadata cache read failed", zap.String("key", key), zap.Error(err))
	}

	md, err := c.next.Metadata(ctx, protocolID)
	if err != nil || md == nil {
		return md, err
	}

	if body, jsonErr := json.Marshal(md); jsonErr == nil {
		if setErr := c.kv.Set(ctx, key, string(body), c.ttl); setErr != nil {
			c.logger.Warn("Metadata cache write failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return md, nil
}

// Invalidate drops the cached entry so the next read goes to the backing lookup.
func (c *CachedMetadata) Invalidate(ctx context.Context, protocolID string) error {
	if err := c.kv.Del(ctx, metadataKeyPrefix+protocolID); err != nil {
		return fmt.Errorf("invalidate metadata %s: %w", protocolID, err)
	}
	return nil
}
