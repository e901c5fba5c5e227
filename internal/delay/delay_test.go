package delay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TickInterval:  10 * time.Millisecond,
		BaseTicks:     1,
		MinTicks:      1,
		MaxTicks:      12,
		Smoothing:     0.5,
		History:       8,
		DecreaseAfter: 3,
	}
}

func TestSmoothed(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Smoothed(nil, 0.5))
	assert.Equal(t, 40*time.Millisecond, Smoothed([]time.Duration{40 * time.Millisecond}, 0.5))
	// 40 -> 0.5*80 + 0.5*40 = 60 -> 0.5*20 + 0.5*60 = 40
	got := Smoothed([]time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 20 * time.Millisecond}, 0.5)
	assert.Equal(t, 40*time.Millisecond, got)
}

func TestTarget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cases := []struct {
		name    string
		samples []time.Duration
		want    int
	}{
		{"no samples", nil, 1},
		{"sub tick", []time.Duration{4 * time.Millisecond}, 2},
		{"exact ticks", []time.Duration{40 * time.Millisecond}, 3},
		{"rounds up", []time.Duration{42 * time.Millisecond}, 4},
		{"clamped", []time.Duration{2 * time.Second}, 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Target(tc.samples, cfg))
		})
	}
}

func TestControllerIncreasesOneTickPerStep(t *testing.T) {
	t.Parallel()

	c := NewController(testConfig())
	require.Equal(t, 1, c.Current())

	var seen []int
	for i := 0; i < 6; i++ {
		change, changed := c.Observe(200 * time.Millisecond)
		if changed {
			assert.Equal(t, CauseLatency, change.Cause)
			assert.Equal(t, change.Previous+1, change.Current)
		}
		seen = append(seen, c.Current())
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7}, seen)
}

func TestControllerDecreasesOnlyAfterSustainedImprovement(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Smoothing = 1
	c := NewController(cfg)
	for i := 0; i < 5; i++ {
		c.Observe(100 * time.Millisecond)
	}
	require.Equal(t, 6, c.Current())

	_, changed := c.Observe(0)
	assert.False(t, changed)
	_, changed = c.Observe(0)
	assert.False(t, changed)
	// A single higher sample resets the streak.
	c.Observe(100 * time.Millisecond)
	_, changed = c.Observe(0)
	assert.False(t, changed)
	_, changed = c.Observe(0)
	assert.False(t, changed)
	change, changed := c.Observe(0)
	require.True(t, changed)
	assert.Equal(t, Change{Previous: 6, Current: 5, Cause: CauseRecovery}, change)
}

func TestControllerNeverMovesMoreThanOneTick(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	c := NewController(testConfig())
	prev := c.Current()
	for i := 0; i < 2000; i++ {
		var rtt time.Duration
		switch rng.Intn(3) {
		case 0:
			rtt = time.Duration(rng.Int63n(int64(5 * time.Millisecond)))
		case 1:
			rtt = time.Duration(rng.Int63n(int64(300 * time.Millisecond)))
		default:
			rtt = time.Duration(rng.Int63n(int64(3 * time.Second)))
		}
		if rng.Intn(10) == 0 {
			c.NoteDeadlineMiss()
		} else {
			c.Observe(rtt)
		}
		cur := c.Current()
		diff := cur - prev
		require.LessOrEqual(t, diff, 1)
		require.GreaterOrEqual(t, diff, -1)
		require.GreaterOrEqual(t, cur, 1)
		require.LessOrEqual(t, cur, 12)
		prev = cur
	}
}

func TestControllerDeadlineMissBoundedByMax(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxTicks = 2
	c := NewController(cfg)
	change, changed := c.NoteDeadlineMiss()
	require.True(t, changed)
	assert.Equal(t, CauseDeadlineMiss, change.Cause)
	_, changed = c.NoteDeadlineMiss()
	assert.False(t, changed)
	assert.Equal(t, 2, c.Current())
}

func TestControllerSamplesRing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.History = 3
	c := NewController(cfg)
	for i := 1; i <= 5; i++ {
		c.Observe(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}, c.Samples())
}
