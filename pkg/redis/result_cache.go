package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/tvlscope/tvlscope/pkg/tvl"
)

// ComputedPattern matches every refresh notification channel.
const ComputedPattern = "tvl:*:computed"

// ResultKey is the cache key of one protocol result in one naming mode.
func ResultKey(protocolID string, useNewChainNames bool) string {
	return fmt.Sprintf("tvl:protocol:%s:%s", protocolID, namingMode(useNewChainNames))
}

// ComputedChannel is the Pub/Sub channel announcing a fresh result for protocolID.
func ComputedChannel(protocolID string) string {
	return "tvl:" + protocolID + ":computed"
}

// ProtocolFromChannel extracts the protocol id from a ComputedChannel name.
func ProtocolFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "tvl:")
	if !ok {
		return "", false
	}
	id, ok = strings.CutSuffix(id, ":computed")
	return id, ok && id != ""
}

func namingMode(useNew bool) string {
	if useNew {
		return "new"
	}
	return "legacy"
}

// ResultCache stores complete aggregation results.
type ResultCache struct {
	kv  KV
	pub Publisher
	ttl time.Duration
}

func NewResultCache(kv KV, pub Publisher, ttl time.Duration) *ResultCache {
	return &ResultCache{kv: kv, pub: pub, ttl: ttl}
}

// Get returns the cached result. found is false on a miss.
func (c *ResultCache) Get(ctx context.Context, protocolID string, useNewChainNames bool) (res tvl.Result, found bool, err error) {
	raw, err := c.kv.Get(ctx, ResultKey(protocolID, useNewChainNames))
	if errors.Is(err, ErrCacheMiss) {
		return tvl.Result{}, false, nil
	}
	if err != nil {
		return tvl.Result{}, false, fmt.Errorf("read cached result %s: %w", protocolID, err)
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return tvl.Result{}, false, err
	}
	return res, true, nil
}

// Put caches res. Only complete results are stored; anything else is a no-op
// so a degraded computation never shadows a good one.
func (c *ResultCache) Put(ctx context.Context, protocolID string, useNewChainNames bool, res tvl.Result) error {
	if res.Status != tvl.StatusComplete {
		return nil
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", protocolID, err)
	}
	if err := c.kv.Set(ctx, ResultKey(protocolID, useNewChainNames), string(body), c.ttl); err != nil {
		return fmt.Errorf("write cached result %s: %w", protocolID, err)
	}
	return nil
}

// Announce publishes the refresh notification for protocolID.
func (c *ResultCache) Announce(ctx context.Context, protocolID string) {
	if c.pub != nil {
		c.pub.Publish(ctx, ComputedChannel(protocolID), time.Now().UTC().Format(time.RFC3339))
	}
}
