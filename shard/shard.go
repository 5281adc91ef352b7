package shard

import (
	"sync"

	"github.com/krisalay/gameday-sync/eviction"
	"github.com/krisalay/gameday-sync/types"
)

/*
Shard is one independent slice of the in-memory tier. Each shard has its own
write lock and its own eviction bookkeeping so writers to unrelated keys do
not contend.
*/
type Shard struct {
	Store Store

	// Eviction may be nil, in which case a full shard rejects new keys.
	Eviction eviction.Policy

	// Capacity is the maximum number of keys this shard holds. Zero means
	// unbounded.
	Capacity int

	// Mu serializes writes and eviction bookkeeping. Reads are lock-free.
	Mu sync.Mutex
}

func New(capacity int, policy eviction.Policy) *Shard {
	return &Shard{
		Store:    NewCOWStore(),
		Eviction: policy,
		Capacity: capacity,
	}
}

/*
PutLocked stores ent, making room first if needed. It returns the evicted
key, if any. When the shard is full and cannot evict, nothing is stored and
types.ErrQuotaExceeded is returned.

The caller must hold Mu.
*/
func (s *Shard) PutLocked(ent *types.Entry) (string, error) {
	var evicted string
	_, exists := s.Store.Get(ent.Key)
	if !exists && s.Capacity > 0 && s.Store.Len() >= s.Capacity {
		if s.Eviction == nil {
			return "", types.ErrQuotaExceeded
		}
		evicted = s.Eviction.Evict()
		if evicted == "" {
			return "", types.ErrQuotaExceeded
		}
		s.Store.Delete(evicted)
	}
	s.Store.Put(ent.Key, ent)
	if s.Eviction != nil {
		s.Eviction.OnPut(ent.Key)
	}
	return evicted, nil
}

// DeleteLocked removes key from storage and eviction tracking.
// The caller must hold Mu.
func (s *Shard) DeleteLocked(key string) {
	s.Store.Delete(key)
	if s.Eviction != nil {
		s.Eviction.Remove(key)
	}
}

// PurgeLocked deletes every entry for which stale returns true and reports
// how many were removed. The caller must hold Mu.
func (s *Shard) PurgeLocked(stale func(*types.Entry) bool) int {
	var keys []string
	s.Store.Range(func(key string, ent *types.Entry) bool {
		if stale(ent) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		s.DeleteLocked(key)
	}
	return len(keys)
}
