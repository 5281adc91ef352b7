package syncer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/syncer"
	"github.com/krisalay/gameday-sync/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type drainResult struct {
	reason syncer.TriggerReason
	err    error
}

type syncMetrics struct {
	mu        sync.Mutex
	completed int
	coalesced int
}

func (m *syncMetrics) DrainCompleted(string, time.Duration, error) {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *syncMetrics) TriggerCoalesced(string) {
	m.mu.Lock()
	m.coalesced++
	m.mu.Unlock()
}

func (m *syncMetrics) get() (completed, coalesced int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.coalesced
}

func newScheduler(t *testing.T, opts ...syncer.Option) (*syncer.Scheduler, <-chan drainResult, *quartz.Mock) {
	t.Helper()
	mClock := quartz.NewMock(t)
	results := make(chan drainResult, 16)
	opts = append([]syncer.Option{
		syncer.WithClock(mClock),
		syncer.OnDrain(func(reason syncer.TriggerReason, err error) {
			results <- drainResult{reason: reason, err: err}
		}),
	}, opts...)
	s := syncer.New(slogtest.Make(t, nil), opts...)
	t.Cleanup(s.Stop)
	return s, results, mClock
}

func TestMountTriggersDrain(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, results, _ := newScheduler(t)

	var calls atomic.Int64
	err := s.Start(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	}, 0, nil)
	require.NoError(t, err)

	res := testutil.RequireReceive(ctx, t, results)
	require.Equal(t, syncer.TriggerMount, res.reason)
	require.NoError(t, res.err)
	require.EqualValues(t, 1, calls.Load())
	require.ErrorIs(t, s.Start(ctx, func(context.Context) error { return nil }, 0, nil), syncer.ErrAlreadyStarted)
}

func TestTriggersDuringDrainCoalesce(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m := &syncMetrics{}
	s, results, _ := newScheduler(t, syncer.WithMetrics(m))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	require.NoError(t, s.Start(ctx, func(context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, 0, nil))

	testutil.RequireReceive(ctx, t, started)
	require.Equal(t, syncer.StateDraining, s.State())
	for _, r := range []syncer.TriggerReason{
		syncer.TriggerVisible, syncer.TriggerOnline, syncer.TriggerTimer,
		syncer.TriggerVisible, syncer.TriggerOnline,
	} {
		require.True(t, s.Trigger(r))
	}

	close(release)
	testutil.RequireReceive(ctx, t, started)
	require.Equal(t, syncer.TriggerMount, testutil.RequireReceive(ctx, t, results).reason)
	require.Equal(t, syncer.TriggerVisible, testutil.RequireReceive(ctx, t, results).reason)

	require.EqualValues(t, 2, calls.Load())
	completed, coalesced := m.get()
	require.Equal(t, 2, completed)
	require.Equal(t, 4, coalesced)
	require.Eventually(t, func() bool {
		return s.State() == syncer.StateArmed
	}, testutil.WaitShort, testutil.IntervalFast)
}

func TestTimerTriggersDrain(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, results, mClock := newScheduler(t)

	require.NoError(t, s.Start(ctx, func(context.Context) error { return nil }, 30*time.Second, nil))
	require.Equal(t, syncer.TriggerMount, testutil.RequireReceive(ctx, t, results).reason)

	mClock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, syncer.TriggerTimer, testutil.RequireReceive(ctx, t, results).reason)

	mClock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, syncer.TriggerTimer, testutil.RequireReceive(ctx, t, results).reason)
}

func TestDisabledSkipsDrain(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, results, _ := newScheduler(t)

	var enabled atomic.Bool
	checked := make(chan bool, 16)
	gate := func() bool {
		v := enabled.Load()
		checked <- v
		return v
	}
	var calls atomic.Int64
	require.NoError(t, s.Start(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	}, 0, gate))

	require.False(t, testutil.RequireReceive(ctx, t, checked), "mount is skipped while disabled")

	enabled.Store(true)
	require.True(t, s.Trigger(syncer.TriggerOnline))
	require.True(t, testutil.RequireReceive(ctx, t, checked))
	require.Equal(t, syncer.TriggerOnline, testutil.RequireReceive(ctx, t, results).reason)
	require.EqualValues(t, 1, calls.Load())
}

func TestDrainErrorIsReportedNotFatal(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, results, _ := newScheduler(t)

	boom := xerrors.New("server unavailable")
	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, s.Start(ctx, func(context.Context) error {
		if fail.Load() {
			return boom
		}
		return nil
	}, 0, nil))

	res := testutil.RequireReceive(ctx, t, results)
	require.ErrorIs(t, res.err, boom)

	fail.Store(false)
	require.True(t, s.Trigger(syncer.TriggerVisible))
	res = testutil.RequireReceive(ctx, t, results)
	require.NoError(t, res.err)
	require.Equal(t, syncer.TriggerVisible, res.reason)
}

func TestStopDiscardsInFlightDrain(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, results, _ := newScheduler(t)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan error, 1)
	require.NoError(t, s.Start(ctx, func(drainCtx context.Context) error {
		started <- struct{}{}
		<-release
		finished <- drainCtx.Err()
		return nil
	}, time.Minute, nil))
	testutil.RequireReceive(ctx, t, started)

	// Stop returns while the request is still out.
	s.Stop()
	require.Equal(t, syncer.StateStopped, s.State())
	require.False(t, s.Trigger(syncer.TriggerOnline))
	require.ErrorIs(t, s.Start(ctx, func(context.Context) error { return nil }, 0, nil), syncer.ErrStopped)

	close(release)
	require.NoError(t, testutil.RequireReceive(ctx, t, finished), "the in-flight call is not cancelled")
	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatal("worker did not exit after the drain finished")
	}
	require.Empty(t, results, "a drain finishing after Stop reports nothing")

	// Stop is idempotent.
	s.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	s := syncer.New(slogtest.Make(t, nil))
	s.Stop()
	require.Equal(t, syncer.StateStopped, s.State())
	require.False(t, s.Trigger(syncer.TriggerMount))
}
