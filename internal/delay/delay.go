// Package delay derives per-client input delay horizons from round-trip time
// samples.
package delay

import (
	"math"
	"time"
)

// Config bounds and tunes the delay computation.
type Config struct {
	// TickInterval is the duration of one simulation tick.
	TickInterval time.Duration
	// BaseTicks is added to every latency-derived target.
	BaseTicks int
	// MinTicks and MaxTicks clamp the horizon.
	MinTicks int
	MaxTicks int
	// Smoothing is the exponential moving average weight of a new sample.
	Smoothing float64
	// History is the number of samples retained per client.
	History int
	// DecreaseAfter is the number of consecutive lower targets required before
	// the horizon steps down.
	DecreaseAfter int
}

// DefaultConfig matches a 30Hz simulation.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second / 30,
		BaseTicks:     1,
		MinTicks:      1,
		MaxTicks:      16,
		Smoothing:     0.2,
		History:       32,
		DecreaseAfter: 30,
	}
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second / 30
	}
	if c.MinTicks < 0 {
		c.MinTicks = 0
	}
	if c.MaxTicks < c.MinTicks {
		c.MaxTicks = c.MinTicks
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = 0.2
	}
	if c.History < 1 {
		c.History = 1
	}
	if c.DecreaseAfter < 1 {
		c.DecreaseAfter = 1
	}
	return c
}

// Smoothed returns the exponential moving average of samples in order, or
// zero when there are none.
func Smoothed(samples []time.Duration, alpha float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	ema := float64(samples[0])
	for _, sample := range samples[1:] {
		ema = alpha*float64(sample) + (1-alpha)*ema
	}
	return time.Duration(ema)
}

// Target is the horizon a client should run at given its RTT history: the
// one-way latency in ticks rounded up, plus the base delay, clamped.
func Target(samples []time.Duration, cfg Config) int {
	cfg = cfg.normalized()
	oneWay := Smoothed(samples, cfg.Smoothing) / 2
	ticks := int(math.Ceil(float64(oneWay) / float64(cfg.TickInterval)))
	return clamp(ticks+cfg.BaseTicks, cfg.MinTicks, cfg.MaxTicks)
}

// Initial is the horizon assigned before any RTT sample exists.
func Initial(cfg Config) int {
	cfg = cfg.normalized()
	return clamp(cfg.BaseTicks, cfg.MinTicks, cfg.MaxTicks)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
