package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/guest/redisstore"
)

var now = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func newStore(t *testing.T, retention time.Duration) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(now)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, retention), mr
}

func session(tokenID string) guest.Session {
	return guest.Session{
		TokenID:   tokenID,
		Token:     "signed." + tokenID,
		SessionID: "live-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestCreateGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, 0)

	want := session("tok-1")
	require.NoError(t, s.Create(ctx, want))

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = s.Get(ctx, "tok-2")
	require.ErrorIs(t, err, guest.ErrSessionNotFound)
}

func TestCreateRequiresIDs(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t, 0)
	require.Error(t, s.Create(context.Background(), guest.Session{SessionID: "live-1"}))
	require.Error(t, s.Create(context.Background(), guest.Session{TokenID: "tok-1"}))
}

func TestAddTaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t, 0)
	require.NoError(t, s.Create(ctx, session("tok-1")))

	total, err := s.AddTaps(ctx, "tok-1", 5, now)
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	total, err = s.AddTaps(ctx, "tok-1", 2, now)
	require.NoError(t, err)
	require.EqualValues(t, 7, total)
	require.Equal(t, "7", mr.HGet(api.Key("guest", "tok-1"), "taps"))

	_, err = s.AddTaps(ctx, "missing", 1, now)
	require.ErrorIs(t, err, guest.ErrSessionNotFound)
	require.False(t, mr.Exists(api.Key("guest", "missing")), "a submit never creates a session")
}

func TestAddTapsRejectsExpiredSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t, 0)
	require.NoError(t, s.Create(ctx, session("tok-1")))

	total, err := s.AddTaps(ctx, "tok-1", 2, now.Add(time.Hour))
	require.NoError(t, err, "the expiry instant itself still counts")
	require.EqualValues(t, 2, total)

	_, err = s.AddTaps(ctx, "tok-1", 5, now.Add(time.Hour+time.Millisecond))
	require.ErrorIs(t, err, guest.ErrTokenExpired)
	require.Equal(t, "2", mr.HGet(api.Key("guest", "tok-1"), "taps"))
}

func TestConcurrentAddTaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, 0)
	require.NoError(t, s.Create(ctx, session("tok-1")))

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddTaps(ctx, "tok-1", 4, now); err != nil {
				t.Errorf("add taps: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, got.CumulativeTapCount)
}

func TestKeyOutlivesTokenByRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t, 2*time.Hour)
	require.NoError(t, s.Create(ctx, session("tok-1")))

	require.Equal(t, 3*time.Hour, mr.TTL(api.Key("guest", "tok-1")))

	// Past the token's expiry the counter is still readable as history.
	mr.FastForward(90 * time.Minute)
	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, guest.StateExpired, got.State(now.Add(90*time.Minute)))

	mr.FastForward(90 * time.Minute)
	_, err = s.Get(ctx, "tok-1")
	require.ErrorIs(t, err, guest.ErrSessionNotFound)
	_, err = s.AddTaps(ctx, "tok-1", 1, now)
	require.ErrorIs(t, err, guest.ErrSessionNotFound)
}

func TestDial(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client, err := redisstore.Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = redisstore.Dial(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
}

func TestGatewayOnRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t, 0)
	g, err := guest.NewGateway(s, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	inv, err := g.Invite(ctx, "live-7")
	require.NoError(t, err)
	total, err := g.SubmitTaps(ctx, inv.GuestToken, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	sess, err := g.Join(ctx, inv.GuestToken)
	require.NoError(t, err)
	require.Equal(t, "live-7", sess.SessionID)
	require.EqualValues(t, 3, sess.CumulativeTapCount)
}
