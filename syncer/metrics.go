package syncer

import "time"

// Metrics observes scheduler activity.
type Metrics interface {
	DrainCompleted(reason string, took time.Duration, err error)
	TriggerCoalesced(reason string)
}

type NoopMetrics struct{}

func (NoopMetrics) DrainCompleted(string, time.Duration, error) {}
func (NoopMetrics) TriggerCoalesced(string)                     {}
