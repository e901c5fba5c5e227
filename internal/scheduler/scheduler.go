// Package scheduler collects per-client commands into a window of open ticks
// and decides when each tick closes.
package scheduler

import (
	"sync"
	"time"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

const (
	ticksClosedMetricKey      = "scheduler_ticks_closed_total"
	deadlineClosuresMetricKey = "scheduler_deadline_closures_total"
	defaultCommandsMetricKey  = "scheduler_default_commands_total"
	commandsRejectedMetricKey = "scheduler_commands_rejected_total"
	closureWaitMetricKey      = "scheduler_closure_wait_seconds"
	headTickMetricKey         = "scheduler_head_tick"
)

// Participants exposes the session view the scheduler needs.
type Participants interface {
	// Required lists the clients whose submissions close tick early.
	Required(tick lockstep.Tick) []lockstep.ClientID
	// Expected lists the clients that receive a default when missing tick.
	Expected(tick lockstep.Tick) []lockstep.ClientID
	// Eligible reports whether id may contribute to tick.
	Eligible(id lockstep.ClientID, tick lockstep.Tick) bool
	// InputDelay returns id's horizon in ticks.
	InputDelay(id lockstep.ClientID) (int, bool)
	// MaxRTT returns the slowest smoothed RTT among participating clients.
	MaxRTT() time.Duration
}

// ClosureReason explains which trigger closed a tick.
type ClosureReason string

const (
	ClosedReady    ClosureReason = "ready"
	ClosedDeadline ClosureReason = "deadline"
)

// Closure describes one closed tick.
type Closure struct {
	Set      lockstep.CommandSet
	Reason   ClosureReason
	OpenedAt time.Time
	ClosedAt time.Time
	Deadline time.Duration
}

// Waited is how long the tick was the oldest open tick.
func (c Closure) Waited() time.Duration {
	return c.ClosedAt.Sub(c.OpenedAt)
}

// Hooks observe scheduler progress. OnClose runs for every closure in tick
// order before the next tick may close.
type Hooks struct {
	OnClose func(Closure)
}

// Scheduler owns the pending window and closes ticks strictly in order.
type Scheduler struct {
	cfg     Config
	parts   Participants
	hooks   Hooks
	clock   logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	window  *Window
	wake    chan struct{}

	// closeMu serializes closures so hooks observe ticks in order.
	closeMu sync.Mutex

	mu         sync.Mutex
	started    bool
	openedAt   time.Time
	nextSlot   time.Time
	lastClosed lockstep.Tick
	hasClosed  bool
}

// Deps carries the ambient collaborators.
type Deps struct {
	Clock   logging.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a scheduler. It does not close anything until Start.
func New(cfg Config, parts Participants, hooks Hooks, deps Deps) *Scheduler {
	cfg = cfg.normalized()
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.DiscardLogger()
	}
	metrics := telemetry.OrNop(deps.Metrics)
	return &Scheduler{
		cfg:     cfg,
		parts:   parts,
		hooks:   hooks,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: metrics,
		window:  NewWindow(cfg.StartTick, metrics),
		wake:    make(chan struct{}, 1),
	}
}

// Config returns the normalized configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Window exposes the pending window for inspection.
func (s *Scheduler) Window() *Window {
	return s.window
}

// Head returns the oldest open tick. New clients are admitted at this tick.
func (s *Scheduler) Head() lockstep.Tick {
	return s.window.Head()
}

// LastClosed returns the newest closed tick.
func (s *Scheduler) LastClosed() (lockstep.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClosed, s.hasClosed
}

// Start opens the head tick at now. Calling Start again has no effect.
func (s *Scheduler) Start(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.openedAt = now
	s.nextSlot = now
	s.kick()
	return true
}

// Started reports whether Start has been called.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Horizon returns the newest tick id may currently submit for.
func (s *Scheduler) Horizon(id lockstep.ClientID) (lockstep.Tick, bool) {
	d, ok := s.parts.InputDelay(id)
	if !ok {
		return 0, false
	}
	return s.horizon(s.window.Head(), d), true
}

func (s *Scheduler) horizon(head lockstep.Tick, inputDelay int) lockstep.Tick {
	limit := head + lockstep.Tick(max(inputDelay, 0)+s.cfg.FutureSlack)
	windowEnd := head + lockstep.Tick(s.cfg.MaxOutstanding-1)
	return min(limit, windowEnd)
}

// Stored reports whether the command identified by key is already held by
// an open tick.
func (s *Scheduler) Stored(key lockstep.CommandKey) bool {
	return s.window.Stored(key)
}

// Submit stores cmd in the window. It returns false with a nil error for a
// duplicate of an already stored command. Duplicates are recognised before
// the horizon check so a resubmission made under a larger input delay is
// never rejected as a future tick.
func (s *Scheduler) Submit(cmd lockstep.Command) (bool, error) {
	head := s.window.Head()
	if cmd.Tick < head {
		return false, s.reject(&lockstep.TickError{Err: lockstep.ErrStaleTick, Client: cmd.ClientID, Tick: cmd.Tick, Bound: head})
	}
	if s.window.Stored(cmd.Key()) {
		s.metrics.Add(commandsDuplicateMetricKey, 1)
		return false, nil
	}
	inputDelay, ok := s.parts.InputDelay(cmd.ClientID)
	if !ok {
		return false, s.reject(&lockstep.TickError{Err: lockstep.ErrUnknownClient, Client: cmd.ClientID, Tick: cmd.Tick})
	}
	if !s.parts.Eligible(cmd.ClientID, cmd.Tick) {
		return false, s.reject(&lockstep.TickError{Err: lockstep.ErrStaleTick, Client: cmd.ClientID, Tick: cmd.Tick, Bound: head})
	}
	if limit := s.horizon(head, inputDelay); cmd.Tick > limit {
		return false, s.reject(&lockstep.TickError{Err: lockstep.ErrFutureTick, Client: cmd.ClientID, Tick: cmd.Tick, Bound: limit})
	}

	entry, err := s.window.admit(cmd.Tick)
	if err != nil {
		if te, ok := err.(*lockstep.TickError); ok {
			te.Client = cmd.ClientID
		}
		return false, s.reject(err)
	}
	stored, err := entry.store(cmd)
	if err != nil {
		return false, s.reject(err)
	}
	if !stored {
		s.metrics.Add(commandsDuplicateMetricKey, 1)
		return false, nil
	}
	s.metrics.Add(commandsAcceptedMetricKey, 1)
	s.kick()
	return true, nil
}

func (s *Scheduler) reject(err error) error {
	s.metrics.Add(commandsRejectedMetricKey, 1)
	return err
}

// Discard drops the pending commands of a departing client.
func (s *Scheduler) Discard(id lockstep.ClientID) int {
	removed := s.window.Discard(id)
	s.kick()
	return removed
}

// Kick asks the run loop to re-evaluate readiness.
func (s *Scheduler) Kick() {
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Poll closes every tick that is eligible at now and returns the closures in
// order. At most one tick closes per tick interval unless the loop is
// catching up, bounded by CatchupMaxTicks.
func (s *Scheduler) Poll(now time.Time) []Closure {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	var closed []Closure
	for i := 0; i < s.cfg.CatchupMaxTicks; i++ {
		closure, ok := s.tryClose(now)
		if !ok {
			break
		}
		closed = append(closed, closure)
		if s.hooks.OnClose != nil {
			s.hooks.OnClose(closure)
		}
	}
	return closed
}

func (s *Scheduler) tryClose(now time.Time) (Closure, bool) {
	s.mu.Lock()
	started, openedAt, nextSlot := s.started, s.openedAt, s.nextSlot
	s.mu.Unlock()
	if !started || now.Before(nextSlot) {
		return Closure{}, false
	}

	head := s.window.Head()
	required := s.parts.Required(head)
	expected := s.parts.Expected(head)
	if len(required) == 0 && len(expected) == 0 {
		// Nobody participates; hold the tick open and restart its deadline.
		s.mu.Lock()
		s.openedAt = now
		s.mu.Unlock()
		return Closure{}, false
	}

	entry, err := s.window.admit(head)
	if err != nil {
		s.logger.Printf("[scheduler] head tick %d unavailable: %v", head, err)
		return Closure{}, false
	}

	deadline := s.cfg.Deadline(s.parts.MaxRTT())
	var reason ClosureReason
	switch {
	case len(required) > 0 && entry.hasAll(required):
		reason = ClosedReady
	case !now.Before(openedAt.Add(deadline)):
		reason = ClosedDeadline
	default:
		return Closure{}, false
	}

	set, ok := entry.freeze(expected, func(id lockstep.ClientID) bool {
		return s.parts.Eligible(id, head)
	})
	if !ok {
		return Closure{}, false
	}
	s.window.retire(head)

	interval := s.cfg.TickInterval()
	s.mu.Lock()
	s.lastClosed = head
	s.hasClosed = true
	s.openedAt = now
	s.nextSlot = nextSlot.Add(interval)
	if floor := now.Add(-time.Duration(s.cfg.CatchupMaxTicks-1) * interval); s.nextSlot.Before(floor) {
		s.nextSlot = floor
	}
	s.mu.Unlock()

	closure := Closure{Set: set, Reason: reason, OpenedAt: openedAt, ClosedAt: now, Deadline: deadline}
	s.metrics.Add(ticksClosedMetricKey, 1)
	s.metrics.Store(headTickMetricKey, uint64(head+1))
	s.metrics.Observe(closureWaitMetricKey, closure.Waited().Seconds())
	if len(set.Defaulted) > 0 {
		s.metrics.Add(defaultCommandsMetricKey, uint64(len(set.Defaulted)))
	}
	if reason == ClosedDeadline {
		s.metrics.Add(deadlineClosuresMetricKey, 1)
	}
	return closure, true
}

// untilNextWake returns how long the run loop may sleep before a closure could
// become due without a submission arriving.
func (s *Scheduler) untilNextWake(now time.Time) time.Duration {
	s.mu.Lock()
	started, openedAt, nextSlot := s.started, s.openedAt, s.nextSlot
	s.mu.Unlock()
	interval := s.cfg.TickInterval()
	if !started {
		return interval
	}
	at := openedAt.Add(s.cfg.Deadline(s.parts.MaxRTT()))
	if nextSlot.After(now) && nextSlot.Before(at) {
		at = nextSlot
	}
	wait := at.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return min(wait, interval*4)
}
