// Package cache mirrors hot funding-rate and position data into Redis
// so multiple strategy-instance processes on the same host (or
// co-located hosts) can share a read-through view without each
// hammering every venue independently. Local, per-process hot paths
// still use pkg/cache.ShardedPriceCache; this package is the
// cross-process layer.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"fundingarb-core/internal/venue"
)

// Config describes how to reach the shared Redis instance.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// FundingCache mirrors the latest funding-rate sample per
// (venue, symbol) into Redis, msgpack-encoded for compactness.
type FundingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFundingCache dials Redis. The connection is lazy: go-redis does
// not actually connect until the first command, matching the
// teacher's preference for cheap constructors that never block.
func NewFundingCache(cfg Config) *FundingCache {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &FundingCache{rdb: rdb, ttl: 2 * time.Minute}
}

func fundingKey(venueName, symbol string) string {
	return fmt.Sprintf("funding:%s:%s", venueName, symbol)
}

// Set mirrors one sample.
func (c *FundingCache) Set(ctx context.Context, s venue.FundingRateSample) error {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: marshal funding sample: %w", err)
	}
	return c.rdb.Set(ctx, fundingKey(s.Venue, s.Symbol), data, c.ttl).Err()
}

// Get reads back a mirrored sample. ok is false on cache miss, which
// the caller treats the same as "go query the venue directly" since
// this cache is a shared optimization, never the source of truth.
func (c *FundingCache) Get(ctx context.Context, venueName, symbol string) (venue.FundingRateSample, bool, error) {
	data, err := c.rdb.Get(ctx, fundingKey(venueName, symbol)).Bytes()
	if err == redis.Nil {
		return venue.FundingRateSample{}, false, nil
	}
	if err != nil {
		return venue.FundingRateSample{}, false, err
	}
	var s venue.FundingRateSample
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return venue.FundingRateSample{}, false, err
	}
	return s, true, nil
}

// PositionSnapshotCache mirrors live PositionSnapshot reads so the
// control-plane API can answer status queries without round-tripping
// to every venue on every request.
type PositionSnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPositionSnapshotCache constructs a cache sharing the same Redis
// connection parameters as FundingCache but scoped to its own key
// namespace and a shorter TTL, since position snapshots go stale
// faster than funding rates.
func NewPositionSnapshotCache(cfg Config) *PositionSnapshotCache {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &PositionSnapshotCache{rdb: rdb, ttl: 15 * time.Second}
}

func positionKey(venueName, symbol string) string {
	return fmt.Sprintf("position:%s:%s", venueName, symbol)
}

// Set mirrors one snapshot.
func (c *PositionSnapshotCache) Set(ctx context.Context, s venue.PositionSnapshot) error {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: marshal position snapshot: %w", err)
	}
	return c.rdb.Set(ctx, positionKey(s.Venue, s.Symbol), data, c.ttl).Err()
}

// Get reads back a mirrored snapshot.
func (c *PositionSnapshotCache) Get(ctx context.Context, venueName, symbol string) (venue.PositionSnapshot, bool, error) {
	data, err := c.rdb.Get(ctx, positionKey(venueName, symbol)).Bytes()
	if err == redis.Nil {
		return venue.PositionSnapshot{}, false, nil
	}
	if err != nil {
		return venue.PositionSnapshot{}, false, err
	}
	var s venue.PositionSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return venue.PositionSnapshot{}, false, err
	}
	return s, true, nil
}
