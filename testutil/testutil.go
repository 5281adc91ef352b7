// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/types"
)

const (
	WaitShort = 10 * time.Second
	// IntervalFast is the poll interval for require.Eventually.
	IntervalFast = 5 * time.Millisecond
)

// Context returns a context that is cancelled after d or when the test ends.
func Context(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// RequireReceive receives one value from c or fails the test when ctx
// expires or c is closed.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireReceive: context expired")
		var a A
		return a
	case a, ok := <-c:
		if !ok {
			require.Fail(t, "RequireReceive: channel closed")
		}
		return a
	}
}

// RequireSend sends a on c or fails the test when ctx expires.
func RequireSend[A any](ctx context.Context, t testing.TB, c chan<- A, a A) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireSend: context expired")
	case c <- a:
	}
}

// ErrStoreDown is what a failing MemCache returns.
var ErrStoreDown = xerrors.Errorf("store unavailable: %w", types.ErrStorage)

/*
MemCache is an api.Cache without TTLs. SetFailing makes every write fail the
way a full or broken device store does, while reads keep working.
*/
type MemCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
	writes  int
}

var _ api.Cache = (*MemCache)(nil)

func NewMemCache() *MemCache {
	return &MemCache{data: make(map[string][]byte)}
}

func (m *MemCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MemCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failing {
		return ErrStoreDown
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemCache) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failing {
		return ErrStoreDown
	}
	delete(m.data, key)
	return nil
}

func (m *MemCache) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Has reports whether key is stored.
func (m *MemCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// Writes counts Set and Remove calls, failed ones included.
func (m *MemCache) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
