package eviction

/*
Policy picks which key the in-memory tier drops when a shard is full.

Evicting only removes the in-memory copy. When a durable backend is
configured the entry is still served from there on the next read.

Implementations are not safe for concurrent use; the owning shard
serializes calls under its write lock.
*/
type Policy interface {

	// OnGet is called whenever a key is read from memory.
	OnGet(string)

	// OnPut is called whenever a key is written to memory.
	OnPut(string)

	// Remove forgets a key that was deleted or expired (not evicted).
	Remove(string)

	// Evict chooses a victim, forgets it, and returns it.
	// It returns "" when nothing is tracked.
	Evict() string
}

// PolicyType identifies a supported eviction strategy.
type PolicyType string

const (
	// None disables eviction. A full shard rejects new keys with
	// types.ErrQuotaExceeded, like a browser's local storage.
	None PolicyType = ""

	// LRU drops the key that has not been read or written for the longest time.
	LRU PolicyType = "LRU"

	// FIFO drops the oldest inserted key, regardless of access.
	FIFO PolicyType = "FIFO"
)

// New returns the policy for t, or nil for None and unknown types.
func New(t PolicyType) Policy {
	switch t {
	case LRU:
		return newLRU()
	case FIFO:
		return newFIFO()
	default:
		return nil
	}
}
