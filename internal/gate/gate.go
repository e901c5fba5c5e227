// Package gate releases received command sets to a deterministic simulation
// one tick at a time, in strictly increasing gapless order.
package gate

import (
	"fmt"
	"sync"
	"time"

	"lockstep/server/internal/lockstep"
	"lockstep/server/logging"
)

// Simulation is the external deterministic step function.
type Simulation interface {
	Apply(set lockstep.CommandSet) error
}

// SimulationFunc adapts a function to Simulation.
type SimulationFunc func(set lockstep.CommandSet) error

// Apply calls f.
func (f SimulationFunc) Apply(set lockstep.CommandSet) error {
	return f(set)
}

// Config tunes stall reporting.
type Config struct {
	// StallTimeout is how long Step may find nothing to apply before the stall
	// is reported as a desync risk. Zero reports on the first empty step.
	StallTimeout time.Duration
	// MaxQueued bounds the execution queue. Zero means unbounded.
	MaxQueued int
}

// DefaultConfig returns the stall threshold used by the bot client.
func DefaultConfig() Config {
	return Config{StallTimeout: 3 * time.Second, MaxQueued: 1024}
}

// Health is the gate's connection-health view.
type Health struct {
	NextTick    lockstep.Tick `json:"nextTick"`
	Queued      int           `json:"queued"`
	Applied     uint64        `json:"applied"`
	Stalled     bool          `json:"stalled"`
	StalledFor  time.Duration `json:"stalledFor"`
	DesyncRisk  bool          `json:"desyncRisk"`
	Rejected    uint64        `json:"rejected"`
	StallEvents uint64        `json:"stallEvents"`
}

// Gate is the client-side execution queue. It is safe for concurrent use:
// network delivery calls OnReceive while the frame loop calls Step.
type Gate struct {
	sim          Simulation
	cfg          Config
	clock        logging.Clock
	onDesyncRisk func(Health)

	mu           sync.Mutex
	next         lockstep.Tick
	queue        []lockstep.CommandSet
	applied      uint64
	rejected     uint64
	stallEvents  uint64
	stalledSince time.Time
	reported     bool
	held         bool
}

// Option customises a gate.
type Option func(*Gate)

// WithClock overrides the wall clock.
func WithClock(clock logging.Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithDesyncRiskHandler registers fn to run once per stall episode that
// exceeds the timeout.
func WithDesyncRiskHandler(fn func(Health)) Option {
	return func(g *Gate) {
		g.onDesyncRisk = fn
	}
}

// New returns a gate whose first applied tick will be start.
func New(start lockstep.Tick, sim Simulation, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		sim:   sim,
		cfg:   cfg,
		clock: logging.SystemClock,
		next:  start,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Expected returns the tick the next OnReceive must carry.
func (g *Gate) Expected() lockstep.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expectedLocked()
}

func (g *Gate) expectedLocked() lockstep.Tick {
	return g.next + lockstep.Tick(len(g.queue))
}

// Next returns the tick Step will apply next.
func (g *Gate) Next() lockstep.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

// OnReceive enqueues set. Sets for ticks already applied or queued are
// rejected as duplicates; sets that would leave a gap are rejected so the
// caller can request the missing ticks.
func (g *Gate) OnReceive(set lockstep.CommandSet) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	expected := g.expectedLocked()
	if set.Tick != expected {
		g.rejected++
		return &lockstep.TickError{
			Err:       lockstep.ErrOutOfOrder,
			Tick:      set.Tick,
			Bound:     expected,
			Duplicate: set.Tick < expected,
		}
	}
	if g.cfg.MaxQueued > 0 && len(g.queue) >= g.cfg.MaxQueued {
		g.rejected++
		return fmt.Errorf("execution queue full at %d sets: %w", len(g.queue), lockstep.ErrDesyncRisk)
	}
	g.queue = append(g.queue, set)
	return nil
}

// Hold suspends stall tracking while the match is not running. An empty Step
// on a held gate returns without starting a stall episode.
func (g *Gate) Hold(held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = held
	if held {
		g.stalledSince = time.Time{}
		g.reported = false
	}
}

// Step applies the queued set for the next tick when present. It reports
// whether a tick was applied. An empty queue stalls the simulation; once the
// stall outlives StallTimeout every further empty Step returns ErrDesyncRisk
// until a set arrives.
func (g *Gate) Step() (bool, error) {
	g.mu.Lock()
	now := g.clock.Now()
	if len(g.queue) == 0 {
		if g.held {
			g.mu.Unlock()
			return false, nil
		}
		if g.stalledSince.IsZero() {
			g.stalledSince = now
			g.stallEvents++
		}
		stalledFor := now.Sub(g.stalledSince)
		if stalledFor < g.cfg.StallTimeout {
			g.mu.Unlock()
			return false, nil
		}
		err := &lockstep.TickError{Err: lockstep.ErrDesyncRisk, Tick: g.next, Bound: g.next}
		var notify func(Health)
		var health Health
		if !g.reported {
			g.reported = true
			notify = g.onDesyncRisk
			health = g.healthLocked(now)
		}
		g.mu.Unlock()
		if notify != nil {
			notify(health)
		}
		return false, err
	}

	set := g.queue[0]
	if err := g.sim.Apply(set); err != nil {
		g.mu.Unlock()
		return false, fmt.Errorf("apply tick %d: %w", set.Tick, err)
	}
	g.queue[0] = lockstep.CommandSet{}
	g.queue = g.queue[1:]
	g.next++
	g.applied++
	g.stalledSince = time.Time{}
	g.reported = false
	g.mu.Unlock()
	return true, nil
}

// Drain applies every queued set and returns how many were applied.
func (g *Gate) Drain() (int, error) {
	n := 0
	for {
		g.mu.Lock()
		empty := len(g.queue) == 0
		g.mu.Unlock()
		if empty {
			return n, nil
		}
		applied, err := g.Step()
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
}

// Health reports the current stall state.
func (g *Gate) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthLocked(g.clock.Now())
}

func (g *Gate) healthLocked(now time.Time) Health {
	h := Health{
		NextTick:    g.next,
		Queued:      len(g.queue),
		Applied:     g.applied,
		Rejected:    g.rejected,
		StallEvents: g.stallEvents,
	}
	if !g.stalledSince.IsZero() {
		h.Stalled = true
		h.StalledFor = now.Sub(g.stalledSince)
		h.DesyncRisk = h.StalledFor >= g.cfg.StallTimeout
	}
	return h
}
