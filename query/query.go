// Package query serves remote reads offline-first: whatever the cache store
// holds is shown at once, and a remote fetch replaces it when it succeeds.
package query

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/refresh"
)

// FetchFunc performs the remote read. It owns any user-facing error UI.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Source says where the visible value came from.
type Source int

const (
	SourceNone Source = iota
	SourceCache
	SourceRemote
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceRemote:
		return "remote"
	default:
		return "none"
	}
}

/*
Query is the visible state of one remote resource for one consumer.

The cache is read once, on the first Mount. After that only remote fetches
change the value: a failed fetch leaves the last known value (seeded or
fetched) in place and is recorded in LastError, never returned.
*/
type Query[T any] struct {
	store    api.Cache
	key      string
	fetch    FetchFunc[T]
	ttl      time.Duration
	log      slog.Logger
	onChange func(T, Source)

	ahead      *refresh.Ahead
	unregister func()

	sf singleflight.Group
	wg sync.WaitGroup

	mu      sync.Mutex
	seeded  bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	value   T
	has     bool
	source  Source
	lastErr error
}

// Option configures a Query.
type Option[T any] func(q *Query[T])

// WithTTL sets the TTL of the entry written after each successful fetch.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(q *Query[T]) {
		q.ttl = ttl
	}
}

func WithLogger[T any](log slog.Logger) Option[T] {
	return func(q *Query[T]) {
		q.log = log
	}
}

// OnChange is called, outside any lock, every time the visible value changes.
func OnChange[T any](fn func(T, Source)) Option[T] {
	return func(q *Query[T]) {
		q.onChange = fn
	}
}

// WithRefreshAhead refetches in the background whenever the store serves
// this query's entry close to its expiry. The store's engine must use a as
// its refresh hook.
func WithRefreshAhead[T any](a *refresh.Ahead) Option[T] {
	return func(q *Query[T]) {
		q.ahead = a
	}
}

func New[T any](store api.Cache, key string, fetch FetchFunc[T], opts ...Option[T]) *Query[T] {
	q := &Query[T]{
		store: store,
		key:   key,
		fetch: fetch,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.Named("query").With(slog.F("key", key))
	if q.ahead != nil {
		q.unregister = q.ahead.Register(key, func(ctx context.Context) {
			q.Refresh(ctx)
		})
	}
	return q
}

/*
Mount seeds the visible value from the cache (first call only) and starts a
background refresh. It returns once the seed attempt is done, so callers can
render cached data immediately.
*/
func (q *Query[T]) Mount(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	seed := !q.seeded
	q.seeded = true
	if q.cancel == nil {
		q.ctx, q.cancel = context.WithCancel(ctx)
	}
	// Later mounts reuse the first mount's lifetime so Close reaches them.
	ctx = q.ctx
	q.wg.Add(1)
	q.mu.Unlock()

	if seed {
		if v, ok := api.GetJSON[T](ctx, q.store, q.key); ok {
			q.apply(v, SourceCache, true)
		}
	}

	go func() {
		defer q.wg.Done()
		q.Refresh(ctx)
	}()
}

/*
Refresh fetches the resource and, on success, writes it through to the cache
and makes it visible. Concurrent refreshes share one fetch. It reports
whether fresh data was applied.
*/
func (q *Query[T]) Refresh(ctx context.Context) bool {
	v, err, _ := q.sf.Do(q.key, func() (any, error) {
		return q.fetch(ctx)
	})
	if err != nil {
		q.mu.Lock()
		q.lastErr = err
		q.mu.Unlock()
		q.log.Debug(ctx, "remote fetch failed; keeping last known value", slog.Error(err))
		return false
	}
	fresh := v.(T)

	if !q.apply(fresh, SourceRemote, false) {
		return false
	}
	if err := api.SetJSON(ctx, q.store, q.key, fresh, q.ttl); err != nil {
		q.log.Warn(ctx, "cache write-through failed", slog.Error(err))
	}
	return true
}

// apply updates the visible value. A seed never overwrites a fetched value.
func (q *Query[T]) apply(v T, src Source, seed bool) bool {
	q.mu.Lock()
	if q.closed || (seed && q.source == SourceRemote) {
		q.mu.Unlock()
		return false
	}
	q.value, q.has, q.source = v, true, src
	if src == SourceRemote {
		q.lastErr = nil
	}
	fn := q.onChange
	q.mu.Unlock()

	if fn != nil {
		fn(v, src)
	}
	return true
}

// Value returns the visible value and whether there is one.
func (q *Query[T]) Value() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.value, q.has
}

func (q *Query[T]) Source() Source {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.source
}

// LastError returns the error of the most recent failed fetch, cleared by the
// next successful one.
func (q *Query[T]) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Close cancels the background fetch and waits for it. Results that still
// arrive are discarded.
func (q *Query[T]) Close() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if q.unregister != nil {
		q.unregister()
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}
