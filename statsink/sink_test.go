package statsink_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/krisalay/gameday-sync/queue"
	"github.com/krisalay/gameday-sync/statsink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openSink(t *testing.T, path string) *statsink.Sink {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC))
	s, err := statsink.Open(context.Background(), statsink.DialectSQLite, path,
		statsink.WithClock(mClock),
		statsink.WithLogger(slogtest.Make(t, nil)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stat(id string, ts int64) queue.PendingStat {
	return queue.PendingStat{
		ID:        id,
		AthleteID: "athlete-1",
		TeamID:    "team-1",
		StatName:  "points",
		StatValue: 2,
		Timestamp: ts,
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openSink(t, filepath.Join(t.TempDir(), "stats.db"))

	batch := []queue.PendingStat{stat("a", 1), stat("b", 2)}
	ids, err := s.Accept(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	// A retried batch after a lost response gets the same answer.
	ids, err = s.Accept(ctx, append(batch, stat("c", 3)))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids)

	stored, err := s.List(ctx, "athlete-1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

func TestAcceptSkipsInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openSink(t, filepath.Join(t.TempDir(), "stats.db"))

	noAthlete := stat("b", 2)
	noAthlete.AthleteID = ""
	notFinite := stat("c", 3)
	notFinite.StatValue = math.NaN()

	ids, err := s.Accept(ctx, []queue.PendingStat{stat("a", 1), noAthlete, notFinite, {}, stat("d", 4)})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "d"}, ids)

	ids, err = s.Accept(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestListOrdersByCaptureTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openSink(t, filepath.Join(t.TempDir(), "stats.db"))

	other := stat("x", 1)
	other.AthleteID = "athlete-2"
	_, err := s.Accept(ctx, []queue.PendingStat{stat("late", 30), stat("b-early", 10), other, stat("a-early", 10)})
	require.NoError(t, err)

	stored, err := s.List(ctx, "athlete-1")
	require.NoError(t, err)
	got := make([]string, 0, len(stored))
	for _, st := range stored {
		require.True(t, st.Synced)
		got = append(got, st.ID)
	}
	require.Equal(t, []string{"a-early", "b-early", "late"}, got)
	require.Equal(t, stat("late", 30).StatValue, stored[2].StatValue)
}

func TestStatsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")

	first := openSink(t, path)
	_, err := first.Accept(ctx, []queue.PendingStat{stat("a", 1)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openSink(t, path)
	stored, err := second.List(ctx, "athlete-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "a", stored[0].ID)
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	t.Parallel()
	_, err := statsink.Open(context.Background(), statsink.Dialect("mysql"), "dsn")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, statsink.Validate(stat("a", 1)))

	for name, mutate := range map[string]func(*queue.PendingStat){
		"id":       func(s *queue.PendingStat) { s.ID = " " },
		"athlete":  func(s *queue.PendingStat) { s.AthleteID = "" },
		"stat":     func(s *queue.PendingStat) { s.StatName = "" },
		"infinite": func(s *queue.PendingStat) { s.StatValue = math.Inf(1) },
	} {
		st := stat("a", 1)
		mutate(&st)
		require.Error(t, statsink.Validate(st), name)
	}
}
