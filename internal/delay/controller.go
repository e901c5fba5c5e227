package delay

import "time"

// Cause explains why a horizon changed.
type Cause string

const (
	CauseLatency      Cause = "latency"
	CauseRecovery     Cause = "recovery"
	CauseDeadlineMiss Cause = "deadline_miss"
)

// Change reports a horizon adjustment.
type Change struct {
	Previous int
	Current  int
	Cause    Cause
}

// Controller steps one client's horizon toward Target by at most one tick per
// adjustment. Increases apply immediately, decreases only after the target has
// stayed lower for DecreaseAfter consecutive samples. Not safe for concurrent
// use; the owning session serializes access.
type Controller struct {
	cfg     Config
	samples []time.Duration
	next    int
	full    bool
	current int
	below   int
}

// NewController starts at the initial horizon for cfg.
func NewController(cfg Config) *Controller {
	cfg = cfg.normalized()
	return &Controller{
		cfg:     cfg,
		samples: make([]time.Duration, cfg.History),
		current: Initial(cfg),
	}
}

// Current returns the active horizon.
func (c *Controller) Current() int {
	if c == nil {
		return 0
	}
	return c.current
}

// Samples returns the retained RTT samples oldest first.
func (c *Controller) Samples() []time.Duration {
	if c == nil {
		return nil
	}
	if !c.full {
		return append([]time.Duration(nil), c.samples[:c.next]...)
	}
	out := make([]time.Duration, 0, len(c.samples))
	out = append(out, c.samples[c.next:]...)
	return append(out, c.samples[:c.next]...)
}

// Smoothed returns the current RTT estimate.
func (c *Controller) Smoothed() time.Duration {
	if c == nil {
		return 0
	}
	return Smoothed(c.Samples(), c.cfg.Smoothing)
}

// Observe records an RTT sample and adjusts the horizon.
func (c *Controller) Observe(rtt time.Duration) (Change, bool) {
	if c == nil || rtt < 0 {
		return Change{}, false
	}
	c.samples[c.next] = rtt
	c.next++
	if c.next == len(c.samples) {
		c.next = 0
		c.full = true
	}

	target := Target(c.Samples(), c.cfg)
	switch {
	case target > c.current:
		c.below = 0
		return c.step(1, CauseLatency)
	case target < c.current:
		c.below++
		if c.below < c.cfg.DecreaseAfter {
			return Change{}, false
		}
		c.below = 0
		return c.step(-1, CauseRecovery)
	default:
		c.below = 0
		return Change{}, false
	}
}

// NoteDeadlineMiss widens the horizon by one tick, bounded by MaxTicks.
func (c *Controller) NoteDeadlineMiss() (Change, bool) {
	if c == nil {
		return Change{}, false
	}
	c.below = 0
	return c.step(1, CauseDeadlineMiss)
}

func (c *Controller) step(delta int, cause Cause) (Change, bool) {
	next := clamp(c.current+delta, c.cfg.MinTicks, c.cfg.MaxTicks)
	if next == c.current {
		return Change{}, false
	}
	change := Change{Previous: c.current, Current: next, Cause: cause}
	c.current = next
	return change, true
}
