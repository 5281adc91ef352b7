// This file defines how cache entries expire over time.

package expiration

import (
	"time"

	"github.com/krisalay/gameday-sync/types"
)

/*
Strategy decides when a cache entry stops being served. Expiry is always
evaluated lazily at read time; nothing sweeps the store in the background.
*/
type Strategy interface {

	// IsExpired reports whether the entry must no longer be served at now.
	IsExpired(*types.Entry, time.Time) bool

	// OnAccess is called whenever an entry is read successfully.
	OnAccess(*types.Entry, time.Time)

	// OnWrite is called whenever an entry is written or replaced.
	OnWrite(*types.Entry, time.Time)
}

/*
Fixed expires an entry a fixed duration after it was stored. Reads do not
extend its life.

DefaultTTL applies to writes that did not ask for a TTL. Zero keeps such
entries forever. Writes with types.NoExpiry are kept forever regardless.
*/
type Fixed struct {
	DefaultTTL time.Duration
}

func (f *Fixed) IsExpired(ent *types.Entry, now time.Time) bool {
	return !ent.Readable(now)
}

func (f *Fixed) OnAccess(ent *types.Entry, now time.Time) {
	ent.LastAccessedAt = now
}

// OnWrite stamps the entry. An explicit TTL from the caller always wins over
// DefaultTTL.
func (f *Fixed) OnWrite(ent *types.Entry, now time.Time) {
	ent.StoredAt = now
	ent.LastAccessedAt = now
	if ent.TTL == 0 {
		ent.TTL = f.DefaultTTL
	}
}
