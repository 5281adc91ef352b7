package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/types"
)

/*
Cache is the public contract of the device-local cache store. The queue and
the query layer depend on this interface, never on the sharded
implementation, so tests can hand them a store that fails on purpose.

No consumer may assume data survives a Set. Everything built on Cache must
keep working with a cold or broken cache.
*/
type Cache interface {

	/*
		Get returns the value for key while its TTL has not elapsed.

		BEHAVIOR:
		---------
		- Readable entry in memory: returned immediately
		- Missing from memory: read through from the durable tier
		- Expired, missing, or unreadable: (nil, false), never an error
	*/
	Get(ctx context.Context, key string) ([]byte, bool)

	/*
		Set stores value under key for ttl (zero: the store's default,
		NoExpiry: until removed).

		A non-nil error matches types.ErrStorage (quota exceeded, disk
		failure). It is informational: callers log it and carry on.
	*/
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes key from every tier. Removing a missing key is a no-op.
	Remove(ctx context.Context, key string) error
}

// NoExpiry is a ttl that keeps a value until it is removed, whatever the
// store's default TTL is.
const NoExpiry = types.NoExpiry

// Namespace prefixes every key produced by Key.
const Namespace = "gameday"

/*
Key builds a deterministic store key from a resource type and its scoping
ids, e.g. Key("stats", userID) → "gameday:stats:<userID>". Empty scope parts
are skipped.
*/
func Key(resource string, scope ...string) string {
	parts := make([]string, 0, len(scope)+2)
	parts = append(parts, Namespace, resource)
	for _, s := range scope {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// GetJSON reads key and decodes it into a T. Decoding failures read as a
// miss, like expiry does.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encode %q: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}
