package types

import "golang.org/x/xerrors"

var (
	// ErrStorage marks failures of the local store. Callers treat it as
	// non-fatal: the cache is an optimization, never a source of truth.
	ErrStorage = xerrors.New("storage failure")

	// ErrQuotaExceeded is returned when the in-memory tier is full and no
	// eviction policy is configured to make room.
	ErrQuotaExceeded = xerrors.Errorf("quota exceeded: %w", ErrStorage)
)

// Storage wraps a failure of the durable tier so that it matches ErrStorage
// while keeping the original cause reachable through Unwrap.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return &storageError{err: err}
}

type storageError struct {
	err error
}

func (e *storageError) Error() string        { return "storage failure: " + e.err.Error() }
func (e *storageError) Unwrap() error        { return e.err }
func (e *storageError) Is(target error) bool { return target == ErrStorage }
