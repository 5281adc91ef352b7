package writepolicy

import (
	"context"

	"github.com/krisalay/gameday-sync/types"
)

/*
WriteThroughPolicy persists every write before Set returns. The pending
write queue relies on it for "durable the moment it is enqueued".
*/
type WriteThroughPolicy struct {
	backend types.Backend
}

func NewWriteThroughPolicy(backend types.Backend) *WriteThroughPolicy {
	return &WriteThroughPolicy{backend: backend}
}

// OnWrite returns durable failures wrapped with types.ErrStorage.
func (w *WriteThroughPolicy) OnWrite(ctx context.Context, ent *types.Entry) error {
	if err := w.backend.Store(ctx, ent); err != nil {
		return storageErr("store", ent.Key, err)
	}
	return nil
}

func (w *WriteThroughPolicy) OnDelete(ctx context.Context, key string) error {
	if err := w.backend.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// Close has nothing to flush.
func (*WriteThroughPolicy) Close() {}
