package httpapi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/guest/client"
	"github.com/krisalay/gameday-sync/guest/httpapi"
	"github.com/krisalay/gameday-sync/queue"
	"github.com/krisalay/gameday-sync/statsink"
	"github.com/krisalay/gameday-sync/tap"
	"github.com/krisalay/gameday-sync/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type fixture struct {
	srv    *httptest.Server
	remote *client.Client
	clock  *quartz.Mock
}

func newFixture(t *testing.T, opts ...httpapi.Option) fixture {
	t.Helper()
	mClock := quartz.NewMock(t)
	gw, err := guest.NewGateway(guest.NewMemoryStore(), []byte("0123456789abcdef0123456789abcdef"),
		guest.WithClock(mClock),
		guest.WithLogger(slogtest.Make(t, nil)),
		guest.WithLifetime(time.Hour),
	)
	require.NoError(t, err)

	opts = append([]httpapi.Option{httpapi.WithLogger(slogtest.Make(t, nil))}, opts...)
	srv := httptest.NewServer(httpapi.New(gw, opts...).Handler())
	t.Cleanup(srv.Close)

	remote, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)
	return fixture{srv: srv, remote: remote, clock: mClock}
}

func TestGuestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t)

	inv, err := f.remote.Invite(ctx, "live-3")
	require.NoError(t, err)
	require.NotEmpty(t, inv.GuestToken)
	require.Contains(t, inv.InviteURL, "/join?token=")

	joined, err := f.remote.Join(ctx, inv.GuestToken)
	require.NoError(t, err)
	require.True(t, joined.OK)
	require.Equal(t, "live-3", joined.SessionID)
	require.True(t, joined.ExpiresAt.Equal(inv.ExpiresAt))
	require.Zero(t, joined.GuestTapCount)

	total, err := f.remote.SubmitTaps(ctx, inv.GuestToken, 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, total)

	joined, err = f.remote.Join(ctx, inv.GuestToken)
	require.NoError(t, err)
	require.EqualValues(t, 4, joined.GuestTapCount)
}

func TestAggregatorOverHTTP(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t)
	inv, err := f.remote.Invite(ctx, "live-3")
	require.NoError(t, err)

	tapClock := quartz.NewMock(t)
	a := tap.New(ctx, f.remote.Guest(inv.GuestToken),
		tap.WithClock(tapClock),
		tap.WithLogger(slogtest.Make(t, nil)),
	)
	t.Cleanup(a.Close)

	for range 12 {
		a.Tap()
	}
	tapClock.Advance(500 * time.Millisecond).MustWait(ctx)
	require.EqualValues(t, 12, a.Total())

	joined, err := f.remote.Join(ctx, inv.GuestToken)
	require.NoError(t, err)
	require.EqualValues(t, 12, joined.GuestTapCount)
}

func TestExpiredTokenCannotJoin(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t)
	inv, err := f.remote.Invite(ctx, "live-3")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	_, err = f.remote.Join(ctx, inv.GuestToken)
	require.ErrorIs(t, err, client.ErrCannotJoin)
	_, err = f.remote.SubmitTaps(ctx, inv.GuestToken, 1)
	require.ErrorIs(t, err, client.ErrCannotJoin)
}

func TestAggregatorStopsOnExpiredToken(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t)
	inv, err := f.remote.Invite(ctx, "live-3")
	require.NoError(t, err)

	tapClock := quartz.NewMock(t)
	a := tap.New(ctx, f.remote.Guest(inv.GuestToken),
		tap.WithClock(tapClock),
		tap.WithLogger(slogtest.Make(t, nil)),
		tap.WithRequeue(),
		tap.WithTerminal(client.CannotJoin),
	)
	t.Cleanup(a.Close)

	f.clock.Advance(2 * time.Hour)
	for range 3 {
		a.Tap()
	}
	tapClock.Advance(500 * time.Millisecond).MustWait(ctx)

	require.ErrorIs(t, a.Err(), client.ErrCannotJoin)
	require.Zero(t, a.Pending())
	a.Tap()
	require.EqualValues(t, 3, a.Count())
}

func TestRejectedRequests(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t)

	_, err := f.remote.Join(ctx, "forged")
	require.ErrorIs(t, err, client.ErrCannotJoin)

	_, err = f.remote.SubmitTaps(ctx, "", 3)
	require.ErrorIs(t, err, client.ErrCannotJoin, "missing bearer token")

	inv, err := f.remote.Invite(ctx, "live-3")
	require.NoError(t, err)
	_, err = f.remote.SubmitTaps(ctx, inv.GuestToken, 0)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Equal(t, httpapi.CodeBadRequest, statusErr.Code)

	_, err = f.remote.Invite(ctx, " ")
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)

	_, err = f.remote.Join(ctx, "")
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)

	// Stat sync is not mounted without a sink.
	_, err = f.remote.SyncStats(ctx, []queue.PendingStat{{ID: "a"}})
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestStatSyncDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	sink, err := statsink.Open(ctx, statsink.DialectSQLite, filepath.Join(t.TempDir(), "stats.db"),
		statsink.WithLogger(slogtest.Make(t, nil)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	f := newFixture(t, httpapi.WithStatSink(sink))

	q := queue.New(ctx, testutil.NewMemCache(), queue.WithLogger(slogtest.Make(t, nil)))
	t.Cleanup(q.Close)
	for _, v := range []float64{2, 3} {
		_, err := q.Record(ctx, "athlete-1", "team-1", "points", v)
		require.NoError(t, err)
	}
	require.NoError(t, q.Enqueue(ctx, queue.PendingStat{ID: "no-athlete", StatName: "points"}))

	removed, err := q.Drain(ctx, f.remote.SyncStats)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Equal(t, []string{"no-athlete"}, idsOf(q.Pending()), "rejected entries stay queued")

	stored, err := sink.List(ctx, "athlete-1")
	require.NoError(t, err)
	require.ElementsMatch(t, removed, idsOf(stored))
}

type brokenSink struct{}

func (brokenSink) Accept(context.Context, []queue.PendingStat) ([]string, error) {
	return nil, xerrors.New("database is locked")
}

func TestSinkFailureIsInternalError(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := newFixture(t,
		httpapi.WithStatSink(brokenSink{}),
		httpapi.WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})),
	)

	_, err := f.remote.SyncStats(ctx, []queue.PendingStat{{ID: "a"}})
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Equal(t, httpapi.CodeInternal, statusErr.Code)
	require.Equal(t, "internal error", statusErr.Message, "internal details are not exposed")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	f := newFixture(t, httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/metrics": "go_goroutines",
	} {
		resp, err := f.srv.Client().Get(f.srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.True(t, strings.Contains(string(body), want), path)
	}
}

func idsOf(entries []queue.PendingStat) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
