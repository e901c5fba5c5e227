package scheduler

import (
	"time"

	"lockstep/server/internal/lockstep"
)

// Config tunes tick admission and closure.
type Config struct {
	// TickRate is the number of ticks closed per second at most.
	TickRate int
	// CatchupMaxTicks bounds how many ready ticks may close back to back after
	// the loop fell behind its schedule.
	CatchupMaxTicks int
	// MaxOutstanding bounds the number of ticks the window holds open.
	MaxOutstanding int
	// FutureSlack widens every client's horizon by this many ticks.
	FutureSlack int
	// MinDeadline is the shortest closure deadline.
	MinDeadline time.Duration
	// MaxAcceptableRTT caps the RTT that may stretch a deadline.
	MaxAcceptableRTT time.Duration
	// GraceMultiplier scales the RTT contribution to a deadline.
	GraceMultiplier float64
	// StartTick is the first tick the window admits.
	StartTick lockstep.Tick
}

// DefaultConfig matches a 30Hz simulation.
func DefaultConfig() Config {
	return Config{
		TickRate:         30,
		CatchupMaxTicks:  4,
		MaxOutstanding:   64,
		MinDeadline:      time.Second / 30,
		MaxAcceptableRTT: 500 * time.Millisecond,
		GraceMultiplier:  1.5,
	}
}

// TickInterval is the simulation step duration.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.TickRate)
}

func (c Config) normalized() Config {
	if c.TickRate <= 0 {
		c.TickRate = 30
	}
	if c.CatchupMaxTicks < 1 {
		c.CatchupMaxTicks = 1
	}
	if c.MaxOutstanding < 1 {
		c.MaxOutstanding = 1
	}
	if c.FutureSlack < 0 {
		c.FutureSlack = 0
	}
	if c.MinDeadline <= 0 {
		c.MinDeadline = c.TickInterval()
	}
	if c.GraceMultiplier <= 0 {
		c.GraceMultiplier = 1
	}
	return c
}

// Deadline is how long a tick may stay open waiting for submissions once it
// becomes the oldest open tick: one tick interval plus the slowest acceptable
// RTT scaled by the grace multiplier, never below MinDeadline.
func (c Config) Deadline(slowestRTT time.Duration) time.Duration {
	c = c.normalized()
	rtt := slowestRTT
	if c.MaxAcceptableRTT > 0 && rtt > c.MaxAcceptableRTT {
		rtt = c.MaxAcceptableRTT
	}
	if rtt < 0 {
		rtt = 0
	}
	d := c.TickInterval() + time.Duration(float64(rtt)*c.GraceMultiplier)
	return max(d, c.MinDeadline)
}
