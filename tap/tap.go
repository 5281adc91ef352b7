// Package tap coalesces bursts of taps on a live cheer control into a few
// network submissions.
package tap

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	// DefaultIdleWindow is the quiet period after the last tap before the
	// accumulated taps are sent.
	DefaultIdleWindow = 500 * time.Millisecond
	// DefaultMilestoneEvery is how many taps separate two celebrations.
	DefaultMilestoneEvery = 10
)

// Submitter sends a batch of taps and returns the authoritative running
// total for the live session.
type Submitter interface {
	SubmitTaps(ctx context.Context, count int) (int64, error)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, count int) (int64, error)

func (f SubmitFunc) SubmitTaps(ctx context.Context, count int) (int64, error) {
	return f(ctx, count)
}

/*
Aggregator is the per-control debouncer. Every Tap bumps the local count at
once and restarts the idle timer; when the timer fires, everything tapped
since the last flush goes out in one request.

By default a failed flush is dropped: the local count (never decremented)
stays what the user sees, the server simply never hears about that batch.
WithRequeue carries the failed batch into the next window instead and
re-arms the idle timer for it.

An error that WithTerminal classifies as terminal (e.g. an expired guest
token) ends the aggregator: it stops as if closed and Err reports why.

Nothing is persisted. Closing the aggregator, or a crash, loses taps that
were not flushed yet.
*/
type Aggregator struct {
	ctx            context.Context
	submitter      Submitter
	clock          quartz.Clock
	log            slog.Logger
	metrics        Metrics
	idle           time.Duration
	milestoneEvery int
	requeue        bool
	onMilestone    func(count int64)
	onTotal        func(total int64)
	terminal       func(error) bool
	onTerminal     func(error)

	mu             sync.Mutex
	count          int64
	pending        int
	sinceMilestone int
	total          int64
	flushing       bool
	flushQueued    bool
	closed         bool
	err            error
	timer          *quartz.Timer
}

// Option configures an Aggregator.
type Option func(a *Aggregator)

func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

func WithLogger(log slog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

func WithIdleWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.idle = d
		}
	}
}

// WithMilestoneEvery sets the celebration interval. Zero disables it.
func WithMilestoneEvery(n int) Option {
	return func(a *Aggregator) {
		a.milestoneEvery = n
	}
}

// WithRequeue keeps a failed batch and sends it with the next one.
func WithRequeue() Option {
	return func(a *Aggregator) {
		a.requeue = true
	}
}

/*
OnMilestone is called from Tap, on the tapping goroutine, each time another
milestone's worth of taps has been made. It is purely cosmetic: it does not
change counting or flush timing.
*/
func OnMilestone(fn func(count int64)) Option {
	return func(a *Aggregator) {
		a.onMilestone = fn
	}
}

// OnTotal is called with the server's running total after each accepted flush.
func OnTotal(fn func(total int64)) Option {
	return func(a *Aggregator) {
		a.onTotal = fn
	}
}

// WithTerminal marks submit errors after which no later flush can succeed.
func WithTerminal(isTerminal func(error) bool) Option {
	return func(a *Aggregator) {
		a.terminal = isTerminal
	}
}

// OnTerminal is called once, under the aggregator's lock, when a terminal
// error ends the aggregator.
func OnTerminal(fn func(err error)) Option {
	return func(a *Aggregator) {
		a.onTerminal = fn
	}
}

// New returns an aggregator whose submissions run under ctx.
func New(ctx context.Context, submitter Submitter, opts ...Option) *Aggregator {
	a := &Aggregator{
		ctx:            ctx,
		submitter:      submitter,
		clock:          quartz.NewReal(),
		metrics:        NoopMetrics{},
		idle:           DefaultIdleWindow,
		milestoneEvery: DefaultMilestoneEvery,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("tap")
	return a
}

// Tap records one interaction.
func (a *Aggregator) Tap() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.count++
	a.pending++
	milestone := false
	if a.milestoneEvery > 0 {
		a.sinceMilestone++
		if a.sinceMilestone >= a.milestoneEvery {
			a.sinceMilestone = 0
			milestone = true
		}
	}
	if a.timer == nil {
		a.timer = a.clock.AfterFunc(a.idle, a.fire, "tap", "idle")
	} else {
		a.timer.Reset(a.idle, "tap", "idle")
	}
	count := a.count
	fn := a.onMilestone
	a.mu.Unlock()

	if milestone && fn != nil {
		fn(count)
	}
}

// fire runs on the timer goroutine once the idle window passes.
func (a *Aggregator) fire() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.flushing {
		// The in-flight flush picks these up when it returns.
		a.flushQueued = true
		a.mu.Unlock()
		return
	}
	a.flushing = true
	a.mu.Unlock()

	for a.flushOnce() {
	}
}

// flushOnce sends the pending taps, if any, and reports whether another
// flush was queued meanwhile. The caller must have set flushing.
func (a *Aggregator) flushOnce() bool {
	a.mu.Lock()
	n := a.pending
	a.pending = 0
	a.mu.Unlock()

	var (
		total int64
		err   error
	)
	if n > 0 {
		total, err = a.submitter.SubmitTaps(a.ctx, n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.flushing = false
		return false
	}
	switch {
	case n == 0:
	case err != nil && a.terminal != nil && a.terminal(err):
		a.log.Warn(a.ctx, "tap submission rejected for good; stopping",
			slog.F("taps", n+a.pending), slog.Error(err))
		a.metrics.TapsDropped(n)
		a.err = err
		a.closeLocked()
		if a.onTerminal != nil {
			a.onTerminal(err)
		}
		a.flushQueued = false
		a.flushing = false
		return false
	case err != nil:
		if a.requeue {
			a.pending += n
			a.timer.Reset(a.idle, "tap", "requeue")
			a.log.Warn(a.ctx, "tap flush failed; carrying batch into next window",
				slog.F("taps", n), slog.Error(err))
		} else {
			a.metrics.TapsDropped(n)
			a.log.Warn(a.ctx, "tap flush failed; dropping batch",
				slog.F("taps", n), slog.Error(err))
		}
	default:
		a.metrics.TapsFlushed(n)
		a.total = total
		if a.onTotal != nil {
			// Called under the lock so totals are delivered in order.
			a.onTotal(total)
		}
	}
	if a.flushQueued {
		a.flushQueued = false
		return true
	}
	a.flushing = false
	return false
}

// Count is the local display value: every tap ever made on this control.
func (a *Aggregator) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Pending is the number of taps waiting for the next flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Total is the last running total reported by the server.
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Err returns the terminal submit error that ended the aggregator, or nil.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Close stops the idle timer. Unflushed taps are discarded, as is the result
// of a flush still in flight.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closeLocked()
}

func (a *Aggregator) closeLocked() {
	a.closed = true
	if a.timer != nil {
		a.timer.Stop("tap", "idle")
	}
	if a.pending > 0 {
		a.metrics.TapsDropped(a.pending)
		a.pending = 0
	}
}
