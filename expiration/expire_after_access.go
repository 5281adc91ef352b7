package expiration

import (
	"time"

	"github.com/krisalay/gameday-sync/types"
)

/*
ExpireAfterAccess is a sliding TTL. Each successful read pushes the deadline
forward, so data that keeps getting used stays alive and data nobody touches
goes stale TTL after the last read.

Entries written with their own TTL slide by that TTL instead. Entries
written with types.NoExpiry never go stale.
*/
type ExpireAfterAccess struct {
	TTL time.Duration
}

func (e *ExpireAfterAccess) IsExpired(ent *types.Entry, now time.Time) bool {
	ttl := e.window(ent)
	if ttl <= 0 {
		return false
	}
	return now.Sub(ent.LastAccessedAt) >= ttl
}

func (e *ExpireAfterAccess) OnAccess(ent *types.Entry, now time.Time) {
	ent.LastAccessedAt = now
}

func (e *ExpireAfterAccess) OnWrite(ent *types.Entry, now time.Time) {
	ent.StoredAt = now
	ent.LastAccessedAt = now
}

func (e *ExpireAfterAccess) window(ent *types.Entry) time.Duration {
	if ent.TTL < 0 {
		return 0
	}
	if ent.TTL > 0 {
		return ent.TTL
	}
	return e.TTL
}
