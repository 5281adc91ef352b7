package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/metrics"
)

func TestCollectorsRecord(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Hit()
	m.Hit()
	m.Miss()
	m.Enqueued()
	m.Enqueued()
	m.Enqueued()
	m.Drained(2, 1)
	m.DrainCompleted("mount", 20*time.Millisecond, nil)
	m.DrainCompleted("online", time.Second, xerrors.New("offline"))
	m.TriggerCoalesced("visible")
	m.TapsFlushed(12)
	m.TapsDropped(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]bool, len(families))
	for _, f := range families {
		byName[f.GetName()] = true
	}
	for _, name := range []string{
		"gameday_cache_events_total",
		"gameday_queue_enqueued_total",
		"gameday_queue_accepted_total",
		"gameday_queue_pending",
		"gameday_syncer_drains_total",
		"gameday_syncer_drain_seconds",
		"gameday_syncer_triggers_coalesced_total",
		"gameday_tap_flushed_total",
		"gameday_tap_dropped_total",
	} {
		require.True(t, byName[name], name)
	}

	require.Equal(t, 2, testutil.CollectAndCount(reg, "gameday_syncer_drains_total"))
	require.Equal(t, 2, testutil.CollectAndCount(reg, "gameday_cache_events_total"))

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP gameday_queue_pending Pending stats left after the last drain.
# TYPE gameday_queue_pending gauge
gameday_queue_pending 1
# HELP gameday_queue_accepted_total Pending stats confirmed by the server and removed.
# TYPE gameday_queue_accepted_total counter
gameday_queue_accepted_total 2
# HELP gameday_tap_dropped_total Taps lost to failed submissions.
# TYPE gameday_tap_dropped_total counter
gameday_tap_dropped_total 3
# HELP gameday_cache_events_total Cache lookups and maintenance events by kind.
# TYPE gameday_cache_events_total counter
gameday_cache_events_total{event="hit"} 2
gameday_cache_events_total{event="miss"} 1
`), "gameday_queue_pending", "gameday_queue_accepted_total", "gameday_tap_dropped_total", "gameday_cache_events_total")
	require.NoError(t, err)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	require.Panics(t, func() { metrics.New(reg) })
}
