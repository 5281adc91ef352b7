package writepolicy

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/types"
)

/*
WritePolicy decides how writes to the in-memory tier reach the durable
tier. The engine calls it after the memory copy is updated; the memory copy
is never rolled back when the durable write fails.
*/
type WritePolicy interface {

	// OnWrite propagates a stored entry.
	OnWrite(ctx context.Context, ent *types.Entry) error

	// OnDelete propagates a removal (explicit or expiry).
	OnDelete(ctx context.Context, key string) error

	// Close flushes anything still pending and stops background work.
	Close()
}

func storageErr(op, key string, err error) error {
	return xerrors.Errorf("%s %q: %w", op, key, types.Storage(err))
}
