package sqlitekv_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/krisalay/gameday-sync/backend/sqlitekv"
	"github.com/krisalay/gameday-sync/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTTLRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := sqlitekv.Open(ctx, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storedAt := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"none", 0, 0},
		{"no-expiry", types.NoExpiry, types.NoExpiry},
		{"sub-millisecond", 300 * time.Microsecond, time.Millisecond},
		{"fractional", 1500 * time.Microsecond, 2 * time.Millisecond},
		{"whole", time.Minute, time.Minute},
	} {
		require.NoError(t, store.Store(ctx, &types.Entry{
			Key: tc.name, Value: []byte("v"), StoredAt: storedAt, TTL: tc.ttl,
		}))
		got, err := store.Load(ctx, tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.want, got.TTL, tc.name)
		require.Equal(t, storedAt, got.StoredAt, tc.name)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := sqlitekv.Open(ctx, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, store.Store(ctx, &types.Entry{Key: "k", Value: []byte("v")}))
	require.NoError(t, store.Delete(ctx, "k"))
	got, err = store.Load(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := sqlitekv.Open(context.Background(), " ")
	require.Error(t, err)
}
