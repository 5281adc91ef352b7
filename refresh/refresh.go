// Package refresh lets the cache store react when it serves an entry that is
// about to expire, so the owner can fetch a fresh copy before readers start
// missing.
package refresh

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
)

/*
Hook is called by the cache store after every successful read of an entry
that has a TTL. remaining is the time left until the entry's own TTL runs
out.

OnRead runs on the read path. It must be fast and must not block.
*/
type Hook interface {
	OnRead(ctx context.Context, key string, remaining time.Duration)
}

type registration struct {
	id uint64
	fn func(context.Context)
}

/*
Ahead is a Hook that runs a registered refresh function in the background
when a key is read within window of its expiry. At most one refresh per key
runs at a time; reads that land while one is running do nothing.
*/
type Ahead struct {
	window time.Duration
	log    slog.Logger

	mu      sync.Mutex
	nextID  uint64
	fns     map[string]registration
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ Hook = (*Ahead)(nil)

func NewAhead(window time.Duration, log slog.Logger) *Ahead {
	return &Ahead{
		window:  window,
		log:     log.Named("refresh"),
		fns:     make(map[string]registration),
		running: make(map[string]struct{}),
	}
}

// Register makes near-expiry reads of key run fn. A later Register of the
// same key replaces fn. The returned func removes this registration only.
func (a *Ahead) Register(key string, fn func(context.Context)) (unregister func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.fns[key] = registration{id: id, fn: fn}
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if r, ok := a.fns[key]; ok && r.id == id {
			delete(a.fns, key)
		}
	}
}

func (a *Ahead) OnRead(ctx context.Context, key string, remaining time.Duration) {
	if remaining <= 0 || remaining > a.window {
		return
	}
	a.mu.Lock()
	r, ok := a.fns[key]
	if !ok || a.closed {
		a.mu.Unlock()
		return
	}
	if _, busy := a.running[key]; busy {
		a.mu.Unlock()
		return
	}
	a.running[key] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	// The read's context usually ends as soon as the read returns.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, key)
			a.mu.Unlock()
		}()
		a.log.Debug(ctx, "refreshing ahead of expiry",
			slog.F("key", key),
			slog.F("remaining", remaining),
		)
		r.fn(ctx)
	}()
}

// Close stops new refreshes and waits for running ones.
func (a *Ahead) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
