// Package queue holds stat writes captured while the device may be offline
// until a remote sync confirms them.
package queue

import (
	"context"
	"slices"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/api"
)

var (
	// ErrDrainInProgress is returned by Drain while another drain of the same
	// queue has not returned yet.
	ErrDrainInProgress = xerrors.New("drain already in progress")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = xerrors.New("queue closed")
	// ErrMissingID indicates an entry without a client-generated id.
	ErrMissingID = xerrors.New("pending stat id is required")
	// ErrDuplicateID indicates an id that is already queued.
	ErrDuplicateID = xerrors.New("pending stat id already queued")
)

// PendingStat is one stat mutation that the server has not confirmed yet.
// Entries are never modified after creation; confirmation deletes them.
type PendingStat struct {
	ID        string  `json:"id"`
	AthleteID string  `json:"athleteId"`
	TeamID    string  `json:"teamId"`
	StatName  string  `json:"statName"`
	StatValue float64 `json:"statValue"`
	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Synced is informational only. Removal happens by deletion.
	Synced bool `json:"synced"`
}

/*
SyncFunc submits a batch and returns the ids the server accepted. It must be
idempotent for ids it has already seen: a drain interrupted after the server
committed will offer the same entries again.
*/
type SyncFunc func(ctx context.Context, pending []PendingStat) ([]string, error)

// State is the drain state of a queue.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

/*
Queue is an ordered list of pending stats, persisted through the cache store
after every change.

Durability is best-effort: if the store rejects a write the entry is still
queued in memory and will be offered to the next drain; it only risks being
lost if the process also restarts before that drain succeeds.
*/
type Queue struct {
	store   api.Cache
	key     string
	log     slog.Logger
	clock   quartz.Clock
	newID   func() string
	metrics Metrics

	mu      sync.Mutex
	state   State
	entries []PendingStat
}

// Option configures a Queue.
type Option func(q *Queue)

// WithScope isolates the queue's persisted key, e.g. per signed-in user.
func WithScope(scope string) Option {
	return func(q *Queue) {
		q.key = api.Key("pending-stats", scope)
	}
}

func WithLogger(log slog.Logger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithIDGenerator replaces the UUID generator used by Record.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		q.newID = fn
	}
}

func WithMetrics(m Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New restores whatever the store still holds for the queue's key.
func New(ctx context.Context, store api.Cache, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		key:     api.Key("pending-stats"),
		clock:   quartz.NewReal(),
		newID:   uuid.NewString,
		metrics: NoopMetrics{},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.Named("queue")

	if restored, ok := api.GetJSON[[]PendingStat](ctx, store, q.key); ok {
		q.entries = restored
		q.log.Debug(ctx, "restored pending stats", slog.F("count", len(restored)))
	}
	return q
}

// Enqueue appends e and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, e PendingStat) error {
	if e.ID == "" {
		return ErrMissingID
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateClosed {
		return ErrClosed
	}
	if slices.ContainsFunc(q.entries, func(p PendingStat) bool { return p.ID == e.ID }) {
		return xerrors.Errorf("enqueue %q: %w", e.ID, ErrDuplicateID)
	}
	q.entries = append(q.entries, e)
	q.metrics.Enqueued()
	q.persistLocked(ctx)
	return nil
}

// Record captures a stat now under a fresh id and enqueues it.
func (q *Queue) Record(ctx context.Context, athleteID, teamID, statName string, value float64) (PendingStat, error) {
	e := PendingStat{
		ID:        q.newID(),
		AthleteID: athleteID,
		TeamID:    teamID,
		StatName:  statName,
		StatValue: value,
		Timestamp: q.clock.Now().UnixMilli(),
	}
	if err := q.Enqueue(ctx, e); err != nil {
		return PendingStat{}, err
	}
	return e, nil
}

/*
Drain offers every queued entry to fn in one call and deletes the entries
whose ids come back. Everything else stays, in its original order, for the
next drain. It returns the removed ids in queue order.

Only one drain runs at a time; an overlapping call returns
ErrDrainInProgress without calling fn. Entries enqueued while fn runs are not
part of the batch. If the queue is closed while fn runs, the result is
discarded and the entries will be offered again on the next start.
*/
func (q *Queue) Drain(ctx context.Context, fn SyncFunc) ([]string, error) {
	q.mu.Lock()
	switch q.state {
	case StateClosed:
		q.mu.Unlock()
		return nil, ErrClosed
	case StateRunning:
		q.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	q.state = StateRunning
	batch := slices.Clone(q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.state == StateRunning {
			q.state = StateIdle
		}
		q.mu.Unlock()
	}()

	accepted, err := fn(ctx, batch)
	if err != nil {
		q.metrics.Drained(0, len(batch))
		return nil, xerrors.Errorf("sync %d pending stats: %w", len(batch), err)
	}

	offered := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		offered[e.ID] = struct{}{}
	}
	ok := make(map[string]struct{}, len(accepted))
	for _, id := range accepted {
		if _, known := offered[id]; known {
			ok[id] = struct{}{}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateClosed {
		return nil, ErrClosed
	}
	removed := make([]string, 0, len(ok))
	q.entries = slices.DeleteFunc(q.entries, func(e PendingStat) bool {
		if _, hit := ok[e.ID]; hit {
			removed = append(removed, e.ID)
			return true
		}
		return false
	})
	q.metrics.Drained(len(removed), len(q.entries))
	if len(removed) > 0 {
		q.persistLocked(ctx)
	}
	q.log.Debug(ctx, "drained pending stats",
		slog.F("offered", len(batch)),
		slog.F("accepted", len(removed)),
		slog.F("remaining", len(q.entries)),
	)
	return removed, nil
}

// SyncDrain adapts Drain into the shape the sync scheduler expects. An
// overlapping drain is not an error for a scheduler.
func (q *Queue) SyncDrain(fn SyncFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := q.Drain(ctx, fn)
		if xerrors.Is(err, ErrDrainInProgress) {
			return nil
		}
		return err
	}
}

// Pending returns a copy of the queued entries in order.
func (q *Queue) Pending() []PendingStat {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Close rejects further work. Persisted entries are left in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	q.state = StateClosed
	q.mu.Unlock()
}

func (q *Queue) persistLocked(ctx context.Context) {
	var err error
	if len(q.entries) == 0 {
		err = q.store.Remove(ctx, q.key)
	} else {
		err = api.SetJSON(ctx, q.store, q.key, q.entries, api.NoExpiry)
	}
	if err != nil {
		q.log.Warn(ctx, "persist pending stats failed; keeping them in memory",
			slog.F("key", q.key),
			slog.F("count", len(q.entries)),
			slog.Error(err),
		)
	}
}
