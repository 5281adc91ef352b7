// Package syncer drives flushes of the pending write queue from timers,
// foreground transitions and connectivity changes.
package syncer

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// TriggerReason says why a drain was requested.
type TriggerReason string

const (
	TriggerMount   TriggerReason = "mount"
	TriggerTimer   TriggerReason = "timer"
	TriggerVisible TriggerReason = "visible"
	TriggerOnline  TriggerReason = "online"
)

// State of a Scheduler. The lifecycle is
// Idle → Armed → Draining → Armed → … → Stopped.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = xerrors.New("scheduler already started")
	ErrStopped        = xerrors.New("scheduler stopped")
)

// DrainFunc performs one flush attempt.
type DrainFunc func(ctx context.Context) error

// EnabledFunc gates every trigger, e.g. "signed in and sync turned on".
type EnabledFunc func() bool

/*
Scheduler runs drains on a single worker goroutine. Triggers never queue up:
a trigger that arrives while a drain is running collapses with any others
into exactly one follow-up drain.

Drain failures are logged and counted, never returned. The next natural
trigger is the retry; there is no tight retry loop.
*/
type Scheduler struct {
	log     slog.Logger
	clock   quartz.Clock
	metrics Metrics
	onDrain func(TriggerReason, error)

	mu     sync.Mutex
	state  State
	kick   chan TriggerReason
	cancel context.CancelFunc
	done   chan struct{}
	ticker quartz.Waiter
}

// Option configures a Scheduler.
type Option func(s *Scheduler)

func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// OnDrain registers a callback invoked after every drain attempt.
func OnDrain(fn func(TriggerReason, error)) Option {
	return func(s *Scheduler) {
		s.onDrain = fn
	}
}

func New(log slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:     log.Named("syncer"),
		clock:   quartz.NewReal(),
		metrics: NoopMetrics{},
		kick:    make(chan TriggerReason, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

/*
Start arms the scheduler and fires the mount trigger. interval <= 0 disables
the periodic timer; the other triggers still work. A nil enabled means
always enabled.

A Scheduler can be started once. Stop, or cancelling ctx, ends it.
*/
func (s *Scheduler) Start(ctx context.Context, drain DrainFunc, interval time.Duration, enabled EnabledFunc) error {
	if enabled == nil {
		enabled = func() bool { return true }
	}

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateArmed
	if interval > 0 {
		s.ticker = s.clock.TickerFunc(ctx, interval, func() error {
			s.Trigger(TriggerTimer)
			return nil
		}, "syncer", "tick")
	}
	s.mu.Unlock()

	go s.run(ctx, drain, enabled)
	s.Trigger(TriggerMount)
	return nil
}

// Trigger requests a drain. It never blocks and returns false once the
// scheduler is not running.
func (s *Scheduler) Trigger(reason TriggerReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed && s.state != StateDraining {
		return false
	}
	select {
	case s.kick <- reason:
	default:
		s.metrics.TriggerCoalesced(string(reason))
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, drain DrainFunc, enabled EnabledFunc) {
	defer close(s.done)
	defer s.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.kick:
			if !enabled() {
				s.log.Debug(ctx, "sync disabled, skipping trigger", slog.F("reason", reason))
				continue
			}
			if !s.transition(StateArmed, StateDraining) {
				return
			}
			start := s.clock.Now()
			// Stop must not abort a request the server may already be
			// applying; only its result is dropped.
			err := drain(context.WithoutCancel(ctx))
			if !s.transition(StateDraining, StateArmed) {
				// Stopped mid-drain: nobody is listening for the result.
				return
			}
			s.metrics.DrainCompleted(string(reason), s.clock.Since(start), err)
			if err != nil {
				s.log.Warn(ctx, "background sync failed; will retry on next trigger",
					slog.F("reason", reason), slog.Error(err))
			}
			if s.onDrain != nil {
				s.onDrain(reason, err)
			}
		}
	}
}

func (s *Scheduler) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

/*
Stop aborts the scheduler: the periodic timer is cleared, later triggers are
no-ops, and the result of a drain still in flight is discarded. That drain
is not cancelled; Stop returns without waiting for it and Done closes once
it has finished. Otherwise Stop waits for the worker to exit. Stop is
idempotent and safe to call before Start.
*/
func (s *Scheduler) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	cancel, ticker := s.cancel, s.ticker
	s.ticker = nil
	s.mu.Unlock()

	if cancel == nil {
		// Never started.
		return
	}
	cancel()
	if ticker != nil {
		_ = ticker.Wait()
	}
	if prev == StateArmed {
		<-s.done
	}
}

// Done is closed when the worker has exited, including any drain that was
// in flight when Stop was called.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
