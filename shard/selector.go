package shard

import "github.com/cespare/xxhash/v2"

// Selector maps a key to the shard that owns it.
type Selector interface {
	Select(string, []*Shard) *Shard
}

// HashSelector assigns keys by xxhash modulo the shard count. Keys built with
// a shared prefix (gameday:stats:...) still spread evenly.
type HashSelector struct{}

func (HashSelector) Select(key string, shards []*Shard) *Shard {
	return shards[xxhash.Sum64String(key)%uint64(len(shards))]
}
