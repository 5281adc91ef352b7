package eviction

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

/*
ordered tracks keys with simplelru. The list is never allowed to evict on
its own (its bound is effectively infinite); the shard decides when to call
Evict based on its share of the cache capacity.

touch controls whether reads and overwrites count as uses. With touch the
policy is LRU, without it keys keep their insertion order (FIFO).
*/
type ordered struct {
	keys  *simplelru.LRU[string, struct{}]
	touch bool
}

func newOrdered(touch bool) *ordered {
	keys, err := simplelru.NewLRU[string, struct{}](math.MaxInt, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &ordered{keys: keys, touch: touch}
}

func newLRU() *ordered  { return newOrdered(true) }
func newFIFO() *ordered { return newOrdered(false) }

func (o *ordered) OnGet(k string) {
	if o.touch {
		o.keys.Get(k)
	}
}

func (o *ordered) OnPut(k string) {
	if !o.touch && o.keys.Contains(k) {
		return
	}
	o.keys.Add(k, struct{}{})
}

func (o *ordered) Remove(k string) {
	o.keys.Remove(k)
}

func (o *ordered) Evict() string {
	k, _, ok := o.keys.RemoveOldest()
	if !ok {
		return ""
	}
	return k
}
