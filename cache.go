// Package cache is the device-local cache store: a sharded in-memory tier
// in front of an optional durable tier, with per-entry TTLs evaluated at
// read time.
package cache

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/engine"
	"github.com/krisalay/gameday-sync/eviction"
	"github.com/krisalay/gameday-sync/shard"
	"github.com/krisalay/gameday-sync/types"
)

/*
ShardedCache is the orchestrator that connects:
- shards (in-memory tier, lock-free reads)
- eviction (per shard, when capacity is bounded)
- the engine (clock, expiration, durable tier, write policy, metrics)

It is safe for concurrent use by any number of consumers. Concurrent Sets of
the same key are last-write-wins; there is no versioning.
*/
type ShardedCache struct {
	shards   []*shard.Shard
	engine   *engine.CacheEngine
	selector shard.Selector

	// sf collapses concurrent durable reads of the same key into one.
	sf singleflight.Group
}

var _ api.Cache = (*ShardedCache)(nil)

/*
NewShardedCache builds a store with the given shard count. capacity is the
total number of in-memory keys (divided evenly across shards); zero means
unbounded.
*/
func NewShardedCache(
	shards int,
	capacity int,
	policy eviction.PolicyType,
	engine *engine.CacheEngine,
) *ShardedCache {
	if shards <= 0 {
		shards = 1
	}
	perShard := 0
	if capacity > 0 {
		perShard = max(1, capacity/shards)
	}
	s := make([]*shard.Shard, shards)
	for i := range s {
		s[i] = shard.New(perShard, eviction.New(policy))
	}
	return &ShardedCache{
		shards:   s,
		engine:   engine,
		selector: shard.HashSelector{},
	}
}

/*
Get returns the value stored under key if it is still readable.

It never returns an error: a durable-tier failure, an expired entry, and a
missing key all read as (nil, false). Failures are logged and counted.
*/
func (c *ShardedCache) Get(ctx context.Context, key string) ([]byte, bool) {
	sh := c.selector.Select(key, c.shards)

	if ent, ok := sh.Store.Get(key); ok {
		// Access bookkeeping mutates the entry, so it runs under the shard
		// lock even though the lookup itself did not need it.
		sh.Mu.Lock()
		expired := c.engine.IsExpired(ent)
		if !expired {
			c.engine.OnRead(ent)
			if sh.Eviction != nil {
				sh.Eviction.OnGet(key)
			}
		}
		sh.Mu.Unlock()

		if expired {
			c.expire(ctx, sh, ent, false)
			c.engine.Metrics.Miss()
			return nil, false
		}
		c.engine.Metrics.Hit()
		// StoredAt and TTL never change once stored, so no lock is needed.
		c.engine.AfterRead(ctx, ent)
		return clone(ent.Value), true
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.engine.Load(ctx, key)
	})
	if err != nil {
		c.engine.Log.Warn(ctx, "durable read failed, treating as miss",
			slog.F("key", key), slog.Error(err))
		c.engine.Metrics.Miss()
		return nil, false
	}
	ent, _ := v.(*types.Entry)
	if ent == nil {
		c.engine.Metrics.Miss()
		return nil, false
	}
	// Every caller sharing the load gets its own copy to stamp.
	ent = ent.Clone()
	if c.engine.IsExpired(ent) {
		c.expire(ctx, sh, ent, true)
		c.engine.Metrics.Miss()
		return nil, false
	}

	value := clone(ent.Value)
	c.promote(ctx, sh, ent)
	c.engine.Metrics.Hit()
	c.engine.AfterRead(ctx, ent)
	return value, true
}

// promote keeps a durable entry in memory unless a newer Set got there first.
func (c *ShardedCache) promote(ctx context.Context, sh *shard.Shard, ent *types.Entry) {
	sh.Mu.Lock()
	defer sh.Mu.Unlock()
	if _, ok := sh.Store.Get(ent.Key); ok {
		return
	}
	c.engine.OnRead(ent)
	evicted, err := c.putLocked(sh, ent)
	if err != nil {
		// Memory is full; the durable copy still serves later reads.
		c.engine.Log.Debug(ctx, "not promoting durable entry", slog.F("key", ent.Key), slog.Error(err))
		return
	}
	if evicted != "" {
		c.engine.Metrics.Eviction()
	}
}

/*
expire drops ent, which was found expired, from both tiers. A Set may have
replaced it since the check, so nothing is dropped unless memory still holds
ent itself (or, for an entry read from the durable tier, nothing at all).

The durable delete runs under the shard lock so a Set that follows cannot
have its durable write undone.
*/
func (c *ShardedCache) expire(ctx context.Context, sh *shard.Shard, ent *types.Entry, fromDurable bool) {
	c.engine.Metrics.Expire()
	sh.Mu.Lock()
	defer sh.Mu.Unlock()
	cur, ok := sh.Store.Get(ent.Key)
	switch {
	case fromDurable && ok:
		return
	case !fromDurable && (!ok || cur != ent):
		return
	}
	sh.DeleteLocked(ent.Key)
	if err := c.engine.Forget(ctx, ent.Key); err != nil {
		c.engine.Log.Warn(ctx, "drop expired durable entry", slog.F("key", ent.Key), slog.Error(err))
	}
}

// putLocked is PutLocked that first clears out expired entries when the
// shard is full and cannot evict. The caller must hold sh.Mu.
func (c *ShardedCache) putLocked(sh *shard.Shard, ent *types.Entry) (string, error) {
	evicted, err := sh.PutLocked(ent)
	if !xerrors.Is(err, types.ErrQuotaExceeded) {
		return evicted, err
	}
	n := sh.PurgeLocked(c.engine.IsExpired)
	if n == 0 {
		return "", err
	}
	for range n {
		c.engine.Metrics.Expire()
	}
	return sh.PutLocked(ent)
}

/*
Set stores value under key. A ttl of zero falls back to the expiration
strategy's default (which may be "forever"); types.NoExpiry keeps the value
until it is removed.

The returned error, if any, matches types.ErrStorage. Callers must treat it
as non-fatal: after a durable failure the memory copy is still served, and
after types.ErrQuotaExceeded nothing was stored.
*/
func (c *ShardedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ent := &types.Entry{
		Key:   key,
		Value: clone(value),
		TTL:   ttl,
	}
	c.engine.Stamp(ent)
	// Readers may stamp the shard's copy while the durable write runs.
	durable := ent.Clone()

	sh := c.selector.Select(key, c.shards)
	sh.Mu.Lock()
	evicted, err := c.putLocked(sh, ent)
	sh.Mu.Unlock()
	if err != nil {
		c.engine.Metrics.StorageError()
		return err
	}
	if evicted != "" {
		c.engine.Metrics.Eviction()
	}
	return c.engine.Persist(ctx, durable)
}

// Remove deletes key from both tiers. Removing a missing key is a no-op.
func (c *ShardedCache) Remove(ctx context.Context, key string) error {
	sh := c.selector.Select(key, c.shards)
	sh.Mu.Lock()
	sh.DeleteLocked(key)
	sh.Mu.Unlock()
	return c.engine.Forget(ctx, key)
}

/*
TTL returns the remaining time-to-live of a key using Redis conventions:
  - > 0 : time left
  - -1  : the key exists without a TTL
  - -2  : the key is missing or already expired

Only the in-memory tier is consulted.
*/
func (c *ShardedCache) TTL(key string) time.Duration {
	sh := c.selector.Select(key, c.shards)
	ent, ok := sh.Store.Get(key)
	if !ok {
		return -2
	}
	sh.Mu.Lock()
	expired := c.engine.IsExpired(ent)
	sh.Mu.Unlock()
	if expired {
		return -2
	}
	if ent.TTL <= 0 {
		return -1
	}
	return ent.ExpiresAt().Sub(c.engine.Clock.Now())
}

// Len returns the number of keys currently held in memory, expired or not.
func (c *ShardedCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.Store.Len()
	}
	return n
}

// Close flushes pending write-back work and releases the durable tier.
func (c *ShardedCache) Close() error {
	return c.engine.Close()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
