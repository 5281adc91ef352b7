package queue

// Metrics observes queue activity.
type Metrics interface {
	Enqueued()
	// Drained is called after every sync attempt with the number of entries
	// removed and the number still queued.
	Drained(accepted, remaining int)
}

type NoopMetrics struct{}

func (NoopMetrics) Enqueued()         {}
func (NoopMetrics) Drained(int, int) {}
