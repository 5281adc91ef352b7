package types

import "time"

// NoExpiry marks an entry that is kept until it is removed explicitly. It
// is never replaced by a strategy's default TTL.
const NoExpiry time.Duration = -1

// Entry is one cached value together with the metadata needed to decide
// whether it may still be served.
//
// Only LastAccessedAt changes after an entry is stored, and only under the
// owning shard's lock.
type Entry struct {
	Key string

	// Value is the serialized payload. The cache never interprets it.
	Value []byte

	StoredAt       time.Time
	LastAccessedAt time.Time

	// TTL is how long the entry stays readable after StoredAt. Zero and
	// NoExpiry both mean the entry never expires; only zero is open to a
	// strategy default.
	TTL time.Duration
}

// ExpiresAt returns the instant the entry stops being readable, or the zero
// time if it has no TTL.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.StoredAt.Add(e.TTL)
}

/*
Readable reports whether the entry may be served at now.

An entry is readable only while now - StoredAt < TTL. The boundary itself is
already stale: an entry stored with a 100ms TTL is gone at exactly 100ms.
*/
func (e *Entry) Readable(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) < e.TTL
}

// Clone returns a copy that does not share the value buffer.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}
