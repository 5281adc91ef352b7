package writepolicy

import (
	"context"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/krisalay/gameday-sync/types"
)

// op is one pending durable write. A nil entry means delete.
type op struct {
	key string
	ent *types.Entry
}

/*
WriteBackPolicy persists writes from a single background worker so Set never
waits on the disk. Writes are applied in the order they were made.

When the buffer is full the write is dropped and logged: the memory copy is
still correct, only durability across a restart is lost for that key.
*/
type WriteBackPolicy struct {
	backend types.Backend
	log     slog.Logger
	metrics types.Metrics

	mu     sync.RWMutex
	closed bool
	ch     chan op
	wg     sync.WaitGroup
}

func NewWriteBackPolicy(backend types.Backend, buffer int, log slog.Logger, metrics types.Metrics) *WriteBackPolicy {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	w := &WriteBackPolicy{
		backend: backend,
		log:     log.Named("write_back"),
		metrics: metrics,
		ch:      make(chan op, buffer),
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

// OnWrite queues a copy of ent; the caller may keep mutating the original.
func (w *WriteBackPolicy) OnWrite(ctx context.Context, ent *types.Entry) error {
	w.enqueue(ctx, op{key: ent.Key, ent: ent.Clone()})
	return nil
}

func (w *WriteBackPolicy) OnDelete(ctx context.Context, key string) error {
	w.enqueue(ctx, op{key: key})
	return nil
}

func (w *WriteBackPolicy) enqueue(ctx context.Context, o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- o:
	default:
		w.metrics.StorageError()
		w.log.Warn(ctx, "write-back buffer full, dropping durable write", slog.F("key", o.key))
	}
}

func (w *WriteBackPolicy) worker() {
	defer w.wg.Done()
	// Pending writes must land even while the owner is shutting down.
	ctx := context.Background()
	for o := range w.ch {
		var err error
		if o.ent == nil {
			err = w.backend.Delete(ctx, o.key)
		} else {
			err = w.backend.Store(ctx, o.ent)
		}
		if err != nil {
			w.metrics.StorageError()
			w.log.Warn(ctx, "write-back failed", slog.F("key", o.key), slog.Error(err))
		}
	}
}

// Close stops accepting writes and blocks until the queued ones are applied.
func (w *WriteBackPolicy) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
