package shard

import (
	"maps"
	"sync/atomic"

	"github.com/krisalay/gameday-sync/types"
)

/*
Store holds the entries of one shard.

Reads vastly outnumber writes on a device cache (every screen mount reads,
only successful fetches write), so the map is copy-on-write: readers load
an immutable snapshot without locking and writers publish a new map.
Writers must be serialized by the caller (Shard.Mu).
*/
type Store interface {
	Get(string) (*types.Entry, bool)
	Put(string, *types.Entry)
	Delete(string)
	Len() int

	// Range calls fn for every entry of one snapshot until fn returns false.
	Range(fn func(key string, ent *types.Entry) bool)
}

type cowStore struct {
	snapshot atomic.Pointer[map[string]*types.Entry]
}

func NewCOWStore() Store {
	s := &cowStore{}
	m := make(map[string]*types.Entry)
	s.snapshot.Store(&m)
	return s
}

func (s *cowStore) Get(key string) (*types.Entry, bool) {
	ent, ok := (*s.snapshot.Load())[key]
	return ent, ok
}

func (s *cowStore) Put(key string, ent *types.Entry) {
	old := *s.snapshot.Load()
	next := make(map[string]*types.Entry, len(old)+1)
	maps.Copy(next, old)
	next[key] = ent
	s.snapshot.Store(&next)
}

func (s *cowStore) Delete(key string) {
	old := *s.snapshot.Load()
	if _, ok := old[key]; !ok {
		return
	}
	next := maps.Clone(old)
	delete(next, key)
	s.snapshot.Store(&next)
}

func (s *cowStore) Len() int {
	return len(*s.snapshot.Load())
}

func (s *cowStore) Range(fn func(string, *types.Entry) bool) {
	for k, ent := range *s.snapshot.Load() {
		if !fn(k, ent) {
			return
		}
	}
}
