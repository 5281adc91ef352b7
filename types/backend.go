package types

import "context"

// Backend is the contract between the in-memory tier and the durable tier
// that survives process restarts (the device's local store).
type Backend interface {

	/*
		Load is called when the in-memory tier misses.
		1. Cache checks memory → key not found
		2. Cache calls Load(key)
		3. Backend reads the persisted envelope
		4. Cache decides whether the entry is still readable
		5. Cache keeps a copy in memory and returns the value

		A missing key is reported as (nil, nil), not as an error.
	*/
	Load(ctx context.Context, key string) (*Entry, error)

	/*
		Store persists the entry, replacing any previous value for its key.
		Write policies decide when this is called:
		- Write-through: inside Set
		- Write-back: later, from a background worker
	*/
	Store(ctx context.Context, ent *Entry) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying handle.
	Close() error
}
