package engine

import (
	"context"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/krisalay/gameday-sync/expiration"
	"github.com/krisalay/gameday-sync/refresh"
	"github.com/krisalay/gameday-sync/types"
	"github.com/krisalay/gameday-sync/writepolicy"
)

/*
CacheEngine is the policy layer of the cache store. It decides:
- when an entry has expired (against an injectable clock)
- how timestamps move on reads and writes
- where misses are read through from (the durable tier)
- how writes and removals reach the durable tier
- what gets measured and logged

It does NOT store data, shard keys, lock, or choose eviction victims.
*/
type CacheEngine struct {
	Clock quartz.Clock
	Log   slog.Logger

	// Expiration may be nil, in which case only per-entry TTLs apply.
	Expiration expiration.Strategy

	// Backend is the durable tier. Nil keeps the store memory-only.
	Backend types.Backend

	// WritePolicy forwards writes to Backend. Nil with a non-nil Backend
	// means write-through.
	WritePolicy writepolicy.WritePolicy

	Metrics types.Metrics

	// Refresh is told about reads of entries with a TTL. Nil disables it.
	Refresh refresh.Hook
}

func NewCacheEngine(
	exp expiration.Strategy,
	backend types.Backend,
	writePolicy writepolicy.WritePolicy,
	metrics types.Metrics,
	log slog.Logger,
	clock quartz.Clock,
) *CacheEngine {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if backend != nil && writePolicy == nil {
		writePolicy = writepolicy.NewWriteThroughPolicy(backend)
	}
	return &CacheEngine{
		Clock:       clock,
		Log:         log,
		Expiration:  exp,
		Backend:     backend,
		WritePolicy: writePolicy,
		Metrics:     metrics,
	}
}

// IsExpired checks ent against the strategy, falling back to the entry's
// own TTL when no strategy is configured.
func (e *CacheEngine) IsExpired(ent *types.Entry) bool {
	now := e.Clock.Now()
	if e.Expiration != nil {
		return e.Expiration.IsExpired(ent, now)
	}
	return !ent.Readable(now)
}

// OnRead runs after a readable entry is returned.
func (e *CacheEngine) OnRead(ent *types.Entry) {
	now := e.Clock.Now()
	if e.Expiration != nil {
		e.Expiration.OnAccess(ent, now)
		return
	}
	ent.LastAccessedAt = now
}

// AfterRead hands a served entry to the refresh hook.
func (e *CacheEngine) AfterRead(ctx context.Context, ent *types.Entry) {
	if e.Refresh == nil || ent.TTL <= 0 {
		return
	}
	e.Refresh.OnRead(ctx, ent.Key, ent.ExpiresAt().Sub(e.Clock.Now()))
}

// Stamp sets the write timestamps on a fresh entry.
func (e *CacheEngine) Stamp(ent *types.Entry) {
	now := e.Clock.Now()
	if e.Expiration != nil {
		e.Expiration.OnWrite(ent, now)
		return
	}
	ent.StoredAt = now
	ent.LastAccessedAt = now
}

// Persist forwards a write to the durable tier. Failures are counted and
// returned; the caller decides whether they matter (they usually do not).
func (e *CacheEngine) Persist(ctx context.Context, ent *types.Entry) error {
	if e.WritePolicy == nil {
		return nil
	}
	if err := e.WritePolicy.OnWrite(ctx, ent); err != nil {
		e.Metrics.StorageError()
		return err
	}
	return nil
}

// Forget forwards a removal to the durable tier.
func (e *CacheEngine) Forget(ctx context.Context, key string) error {
	if e.WritePolicy == nil {
		return nil
	}
	if err := e.WritePolicy.OnDelete(ctx, key); err != nil {
		e.Metrics.StorageError()
		return err
	}
	return nil
}

/*
Load reads key from the durable tier. It returns (nil, nil) when there is no
durable tier or the key is absent. Read failures are wrapped with
types.ErrStorage.
*/
func (e *CacheEngine) Load(ctx context.Context, key string) (*types.Entry, error) {
	if e.Backend == nil {
		return nil, nil
	}
	ent, err := e.Backend.Load(ctx, key)
	if err != nil {
		e.Metrics.StorageError()
		return nil, types.Storage(err)
	}
	if ent != nil && ent.LastAccessedAt.IsZero() {
		ent.LastAccessedAt = ent.StoredAt
	}
	return ent, nil
}

// Close flushes pending durable writes and releases the backend.
func (e *CacheEngine) Close() error {
	if e.WritePolicy != nil {
		e.WritePolicy.Close()
	}
	if e.Backend != nil {
		return e.Backend.Close()
	}
	return nil
}
