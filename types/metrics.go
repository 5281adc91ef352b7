package types

// This file defines how the cache store reports what it is doing.

/*
Metrics receives one call per event in the cache lifecycle.
Implementations must be safe for concurrent use.
*/
type Metrics interface {

	// Hit is called when a readable entry is returned.
	Hit()

	// Miss is called when nothing readable was found in either tier.
	Miss()

	// Eviction is called when the in-memory tier drops a key to make room.
	// The durable copy, if any, is kept.
	Eviction()

	// Expire is called when an entry is found but its TTL has elapsed.
	Expire()

	// StorageError is called whenever the durable tier fails a read or write.
	StorageError()
}

/*
NoopMetrics ignores every event. Components default to it so they never
need nil checks around metric calls.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()          {}
func (NoopMetrics) Miss()         {}
func (NoopMetrics) Eviction()     {}
func (NoopMetrics) Expire()       {}
func (NoopMetrics) StorageError() {}
