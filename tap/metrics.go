package tap

// Metrics observes tap batching.
type Metrics interface {
	TapsFlushed(n int)
	TapsDropped(n int)
}

type NoopMetrics struct{}

func (NoopMetrics) TapsFlushed(int) {}
func (NoopMetrics) TapsDropped(int) {}
