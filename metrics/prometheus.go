// Package metrics exports cache, queue, scheduler and tap activity to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krisalay/gameday-sync/queue"
	"github.com/krisalay/gameday-sync/syncer"
	"github.com/krisalay/gameday-sync/tap"
	"github.com/krisalay/gameday-sync/types"
)

const namespace = "gameday"

type Prometheus struct {
	cacheEvents   *prometheus.CounterVec
	enqueued      prometheus.Counter
	drainAccepted prometheus.Counter
	queueDepth    prometheus.Gauge
	drains        *prometheus.CounterVec
	drainSeconds  prometheus.Histogram
	coalesced     *prometheus.CounterVec
	tapsFlushed   prometheus.Counter
	tapsDropped   prometheus.Counter
}

var (
	_ types.Metrics  = (*Prometheus)(nil)
	_ queue.Metrics  = (*Prometheus)(nil)
	_ syncer.Metrics = (*Prometheus)(nil)
	_ tap.Metrics    = (*Prometheus)(nil)
)

// New registers every collector with registerer.
func New(registerer prometheus.Registerer) *Prometheus {
	cacheEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache lookups and maintenance events by kind.",
		},
		[]string{"event"},
	)
	registerer.MustRegister(cacheEvents)

	enqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
		Help: "Pending stats captured.",
	})
	registerer.MustRegister(enqueued)

	drainAccepted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "accepted_total",
		Help: "Pending stats confirmed by the server and removed.",
	})
	registerer.MustRegister(drainAccepted)

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "pending",
		Help: "Pending stats left after the last drain.",
	})
	registerer.MustRegister(queueDepth)

	drains := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncer",
			Name:      "drains_total",
			Help:      "Drains run by the scheduler, by trigger and result.",
		},
		[]string{"reason", "result"},
	)
	registerer.MustRegister(drains)

	drainSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "syncer", Name: "drain_seconds",
		Help:    "Time spent in one drain.",
		Buckets: prometheus.DefBuckets,
	})
	registerer.MustRegister(drainSeconds)

	coalesced := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "syncer",
			Name:      "triggers_coalesced_total",
			Help:      "Triggers folded into an already pending drain.",
		},
		[]string{"reason"},
	)
	registerer.MustRegister(coalesced)

	tapsFlushed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tap", Name: "flushed_total",
		Help: "Taps submitted to the server.",
	})
	registerer.MustRegister(tapsFlushed)

	tapsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tap", Name: "dropped_total",
		Help: "Taps lost to failed submissions.",
	})
	registerer.MustRegister(tapsDropped)

	return &Prometheus{
		cacheEvents:   cacheEvents,
		enqueued:      enqueued,
		drainAccepted: drainAccepted,
		queueDepth:    queueDepth,
		drains:        drains,
		drainSeconds:  drainSeconds,
		coalesced:     coalesced,
		tapsFlushed:   tapsFlushed,
		tapsDropped:   tapsDropped,
	}
}

func (p *Prometheus) Hit()          { p.cacheEvents.WithLabelValues("hit").Inc() }
func (p *Prometheus) Miss()         { p.cacheEvents.WithLabelValues("miss").Inc() }
func (p *Prometheus) Eviction()     { p.cacheEvents.WithLabelValues("eviction").Inc() }
func (p *Prometheus) Expire()       { p.cacheEvents.WithLabelValues("expire").Inc() }
func (p *Prometheus) StorageError() { p.cacheEvents.WithLabelValues("storage_error").Inc() }

func (p *Prometheus) Enqueued() { p.enqueued.Inc() }

func (p *Prometheus) Drained(accepted, remaining int) {
	p.drainAccepted.Add(float64(accepted))
	p.queueDepth.Set(float64(remaining))
}

func (p *Prometheus) DrainCompleted(reason string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.drains.WithLabelValues(reason, result).Inc()
	p.drainSeconds.Observe(took.Seconds())
}

func (p *Prometheus) TriggerCoalesced(reason string) {
	p.coalesced.WithLabelValues(reason).Inc()
}

func (p *Prometheus) TapsFlushed(n int) { p.tapsFlushed.Add(float64(n)) }
func (p *Prometheus) TapsDropped(n int) { p.tapsDropped.Add(float64(n)) }
