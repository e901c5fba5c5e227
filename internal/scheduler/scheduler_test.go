package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/lockstep"
)

type fakeClient struct {
	status   string
	joinTick lockstep.Tick
	delay    int
}

type fakeParticipants struct {
	mu      sync.Mutex
	clients map[lockstep.ClientID]*fakeClient
	rtt     time.Duration
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{clients: make(map[lockstep.ClientID]*fakeClient)}
}

func (p *fakeParticipants) add(id lockstep.ClientID, status string, joinTick lockstep.Tick, delay int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[id] = &fakeClient{status: status, joinTick: joinTick, delay: delay}
}

func (p *fakeParticipants) set(id lockstep.ClientID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[id].status = status
}

func (p *fakeParticipants) setDelay(id lockstep.ClientID, delay int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[id].delay = delay
}

func (p *fakeParticipants) list(keep func(*fakeClient) bool) []lockstep.ClientID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []lockstep.ClientID
	for id, c := range p.clients {
		if keep(c) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (p *fakeParticipants) Required(tick lockstep.Tick) []lockstep.ClientID {
	return p.list(func(c *fakeClient) bool { return c.status == "active" && c.joinTick <= tick })
}

func (p *fakeParticipants) Expected(tick lockstep.Tick) []lockstep.ClientID {
	return p.list(func(c *fakeClient) bool {
		return (c.status == "active" || c.status == "stalled") && c.joinTick <= tick
	})
}

func (p *fakeParticipants) Eligible(id lockstep.ClientID, tick lockstep.Tick) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return ok && c.status != "disconnected" && c.joinTick <= tick
}

func (p *fakeParticipants) InputDelay(id lockstep.ClientID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	if !ok || c.status == "disconnected" {
		return 0, false
	}
	return c.delay, true
}

func (p *fakeParticipants) MaxRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		TickRate:         10,
		CatchupMaxTicks:  4,
		MaxOutstanding:   16,
		MinDeadline:      100 * time.Millisecond,
		MaxAcceptableRTT: 200 * time.Millisecond,
		GraceMultiplier:  2,
	}
}

func newTestScheduler(t *testing.T, cfg Config, parts Participants) (*Scheduler, *[]Closure) {
	t.Helper()
	var mu sync.Mutex
	closures := make([]Closure, 0)
	s := New(cfg, parts, Hooks{OnClose: func(c Closure) {
		mu.Lock()
		closures = append(closures, c)
		mu.Unlock()
	}}, Deps{})
	return s, &closures
}

func cmd(id lockstep.ClientID, tick lockstep.Tick, seq uint32, payload string) lockstep.Command {
	return lockstep.Command{ClientID: id, Tick: tick, Sequence: seq, Payload: []byte(payload)}
}

func submit(t *testing.T, s *Scheduler, c lockstep.Command) {
	t.Helper()
	stored, err := s.Submit(c)
	require.NoError(t, err)
	require.True(t, stored)
}

func TestSubmitRejectsStaleAndFutureTicks(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 2)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	_, err := s.Submit(cmd(1, 3, 0, "far"))
	var tickErr *lockstep.TickError
	require.ErrorAs(t, err, &tickErr)
	assert.ErrorIs(t, err, lockstep.ErrFutureTick)
	assert.Equal(t, lockstep.Tick(2), tickErr.Bound)

	submit(t, s, cmd(1, 2, 0, "ok"))
	submit(t, s, cmd(1, 0, 0, "now"))
	require.Len(t, s.Poll(t0), 1)

	_, err = s.Submit(cmd(1, 0, 1, "late"))
	assert.ErrorIs(t, err, lockstep.ErrStaleTick)

	_, err = s.Submit(cmd(9, 1, 0, "who"))
	assert.ErrorIs(t, err, lockstep.ErrUnknownClient)
}

func TestFutureSlackAndWindowBound(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FutureSlack = 2
	cfg.MaxOutstanding = 4
	parts := newFakeParticipants()
	parts.add(1, "active", 0, 1)
	parts.add(2, "active", 0, 10)
	s, _ := newTestScheduler(t, cfg, parts)

	h, ok := s.Horizon(1)
	require.True(t, ok)
	assert.Equal(t, lockstep.Tick(3), h)
	h, _ = s.Horizon(2)
	assert.Equal(t, lockstep.Tick(3), h, "window bound caps the horizon")

	submit(t, s, cmd(2, 3, 0, "edge"))
	_, err := s.Submit(cmd(2, 4, 0, "beyond"))
	assert.ErrorIs(t, err, lockstep.ErrFutureTick)
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 2)
	s, closures := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	submit(t, s, cmd(1, 0, 0, "first"))
	stored, err := s.Submit(cmd(1, 0, 0, "changed"))
	require.NoError(t, err)
	assert.False(t, stored)

	s.Poll(t0)
	require.Len(t, *closures, 1)
	set := (*closures)[0].Set
	require.Len(t, set.Commands, 1)
	assert.Equal(t, "first", string(set.Commands[0].Payload))
}

func TestDuplicateBeyondShrunkHorizonIsIdempotent(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 3)
	s, closures := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	submit(t, s, cmd(1, 3, 0, "once"))
	assert.True(t, s.Stored(cmd(1, 3, 0, "").Key()))
	assert.False(t, s.Stored(cmd(1, 3, 1, "").Key()))
	assert.False(t, s.Stored(cmd(1, 9, 0, "").Key()), "lookups never materialize entries")

	parts.setDelay(1, 2)
	stored, err := s.Submit(cmd(1, 3, 0, "once"))
	require.NoError(t, err, "a resubmitted command is a duplicate, not a future tick")
	assert.False(t, stored)

	_, err = s.Submit(cmd(1, 3, 1, "new"))
	assert.ErrorIs(t, err, lockstep.ErrFutureTick, "new commands still honour the horizon")

	for tick := lockstep.Tick(0); tick <= 3; tick++ {
		if tick < 3 {
			submit(t, s, cmd(1, tick, 0, ""))
		}
		s.Poll(t0.Add(time.Duration(tick) * 100 * time.Millisecond))
	}
	require.Len(t, *closures, 4)
	set := (*closures)[3].Set
	require.Len(t, set.Commands, 1)
	assert.Equal(t, "once", string(set.Commands[0].Payload))
	assert.False(t, s.Stored(cmd(1, 3, 0, "").Key()), "closed ticks hold nothing")
}

func TestClosesWhenAllActiveClientsSubmitted(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(2, "active", 0, 2)
	parts.add(1, "active", 0, 2)
	parts.add(3, "joining", 0, 2)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	submit(t, s, cmd(2, 0, 0, "b"))
	assert.Empty(t, s.Poll(t0))
	submit(t, s, cmd(1, 0, 1, "a1"))
	submit(t, s, cmd(1, 0, 0, "a0"))

	closed := s.Poll(t0.Add(10 * time.Millisecond))
	require.Len(t, closed, 1)
	c := closed[0]
	assert.Equal(t, ClosedReady, c.Reason)
	assert.Equal(t, lockstep.Tick(0), c.Set.Tick)
	assert.Empty(t, c.Set.Defaulted)
	var order []string
	for _, cmd := range c.Set.Commands {
		order = append(order, string(cmd.Payload))
	}
	assert.Equal(t, []string{"a0", "a1", "b"}, order)
	assert.Equal(t, lockstep.Tick(1), s.Head())
	last, ok := s.LastClosed()
	assert.True(t, ok)
	assert.Equal(t, lockstep.Tick(0), last)

	state, _ := s.Window().Inspect(0)
	assert.Equal(t, StateClosed, state)
}

func TestDeadlineClosureSubstitutesDefaults(t *testing.T) {
	t.Parallel()

	for horizon := 1; horizon <= 5; horizon++ {
		t.Run(fmt.Sprintf("horizon_%d", horizon), func(t *testing.T) {
			parts := newFakeParticipants()
			parts.add(1, "active", 0, horizon)
			parts.add(2, "active", 0, horizon)
			parts.rtt = 50 * time.Millisecond
			s, _ := newTestScheduler(t, testConfig(), parts)
			s.Start(t0)

			submit(t, s, cmd(1, 0, 0, "a"))
			deadline := s.Config().Deadline(parts.MaxRTT())
			require.Equal(t, 200*time.Millisecond, deadline)

			assert.Empty(t, s.Poll(t0.Add(deadline-time.Nanosecond)))
			closed := s.Poll(t0.Add(deadline))
			require.Len(t, closed, 1)
			c := closed[0]
			assert.Equal(t, ClosedDeadline, c.Reason)
			assert.Equal(t, []lockstep.ClientID{2}, c.Set.Defaulted)
			require.Len(t, c.Set.Commands, 2)
			assert.Equal(t, lockstep.DefaultCommand(2, 0), c.Set.Commands[1])
			assert.Equal(t, deadline, c.Waited())

			_, err := s.Submit(cmd(2, 0, 0, "late"))
			assert.ErrorIs(t, err, lockstep.ErrStaleTick)
		})
	}
}

func TestStalledClientsAreDefaultedButNotAwaited(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 2)
	parts.add(2, "stalled", 0, 2)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	submit(t, s, cmd(1, 0, 0, "a"))
	closed := s.Poll(t0)
	require.Len(t, closed, 1)
	assert.Equal(t, ClosedReady, closed[0].Reason)
	assert.Equal(t, []lockstep.ClientID{2}, closed[0].Set.Defaulted)

	submit(t, s, cmd(2, 1, 0, "back"))
	submit(t, s, cmd(1, 1, 0, "a"))
	closed = s.Poll(t0.Add(100 * time.Millisecond))
	require.Len(t, closed, 1)
	assert.Empty(t, closed[0].Set.Defaulted)
	assert.Len(t, closed[0].Set.Commands, 2)
}

func TestClosureIsSequentialAndPaced(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 8)
	s, closures := newTestScheduler(t, testConfig(), parts)

	for tick := lockstep.Tick(0); tick < 8; tick++ {
		submit(t, s, cmd(1, tick, 0, "x"))
	}
	assert.Empty(t, s.Poll(t0), "nothing closes before Start")
	s.Start(t0)

	require.Len(t, s.Poll(t0), 1)
	assert.Empty(t, s.Poll(t0.Add(50*time.Millisecond)))
	require.Len(t, s.Poll(t0.Add(100*time.Millisecond)), 1)

	// Far behind schedule: catch up by at most CatchupMaxTicks.
	assert.Len(t, s.Poll(t0.Add(time.Second)), 4)
	// The schedule has caught up to now, so only the current slot remains.
	assert.Len(t, s.Poll(t0.Add(time.Second)), 1)
	assert.Len(t, s.Poll(t0.Add(time.Second)), 0)

	var ticks []lockstep.Tick
	for _, c := range *closures {
		ticks = append(ticks, c.Set.Tick)
	}
	assert.Equal(t, []lockstep.Tick{0, 1, 2, 3, 4, 5, 6}, ticks)
}

func TestIdleWithoutParticipants(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "joining", 0, 2)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	assert.Empty(t, s.Poll(t0.Add(time.Hour)))
	assert.Equal(t, lockstep.Tick(0), s.Head())

	parts.set(1, "active")
	// The deadline restarts when someone starts participating.
	assert.Empty(t, s.Poll(t0.Add(time.Hour+50*time.Millisecond)))
	closed := s.Poll(t0.Add(time.Hour + 100*time.Millisecond))
	require.Len(t, closed, 1)
	assert.Equal(t, ClosedDeadline, closed[0].Reason)
}

func TestLateJoinerAdmittedAtHead(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 2)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	now := t0
	for tick := lockstep.Tick(0); tick <= 10; tick++ {
		submit(t, s, cmd(1, tick, 0, "a"))
		require.Len(t, s.Poll(now), 1)
		now = now.Add(100 * time.Millisecond)
	}
	last, _ := s.LastClosed()
	require.Equal(t, lockstep.Tick(10), last)

	joinTick := s.Head()
	require.Equal(t, lockstep.Tick(11), joinTick)
	parts.add(3, "joining", joinTick, 2)

	for _, tick := range []lockstep.Tick{0, 5, 10} {
		_, err := s.Submit(cmd(3, tick, 0, "c"))
		assert.ErrorIs(t, err, lockstep.ErrStaleTick, "tick %d", tick)
	}
	submit(t, s, cmd(3, 11, 0, "c"))
}

func TestDiscardDropsPendingCommands(t *testing.T) {
	t.Parallel()

	parts := newFakeParticipants()
	parts.add(1, "active", 0, 4)
	parts.add(2, "active", 0, 4)
	s, _ := newTestScheduler(t, testConfig(), parts)
	s.Start(t0)

	submit(t, s, cmd(2, 0, 0, "b"))
	submit(t, s, cmd(2, 1, 0, "b"))
	submit(t, s, cmd(2, 2, 0, "b"))
	submit(t, s, cmd(1, 0, 0, "a"))

	parts.set(2, "disconnected")
	assert.Equal(t, 3, s.Discard(2))

	closed := s.Poll(t0)
	require.Len(t, closed, 1)
	require.Len(t, closed[0].Set.Commands, 1)
	assert.Equal(t, lockstep.ClientID(1), closed[0].Set.Commands[0].ClientID)
	assert.Empty(t, closed[0].Set.Defaulted)
}

func TestConfigDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.Deadline(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Deadline(50*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, cfg.Deadline(time.Hour), "rtt is capped")

	cfg.MinDeadline = time.Second
	assert.Equal(t, time.Second, cfg.Deadline(50*time.Millisecond))
}

func TestConcurrentSubmissionsCloseExactlyOnce(t *testing.T) {
	t.Parallel()

	const clients = 8
	const lastTick = lockstep.Tick(49)

	cfg := testConfig()
	cfg.MaxOutstanding = 64
	cfg.MinDeadline = time.Hour
	parts := newFakeParticipants()
	for id := lockstep.ClientID(1); id <= clients; id++ {
		parts.add(id, "active", 0, 64)
	}
	s, closures := newTestScheduler(t, cfg, parts)
	s.Start(t0)

	var wg sync.WaitGroup
	for id := lockstep.ClientID(1); id <= clients; id++ {
		wg.Add(1)
		go func(id lockstep.ClientID) {
			defer wg.Done()
			for tick := lockstep.Tick(0); tick <= lastTick; tick++ {
				stored, err := s.Submit(cmd(id, tick, 0, fmt.Sprintf("%d/%d", id, tick)))
				if err != nil || !stored {
					t.Errorf("submit %d/%d: stored=%v err=%v", id, tick, stored, err)
				}
			}
		}(id)
	}

	now := t0
	deadline := time.Now().Add(10 * time.Second)
	for {
		last, ok := s.LastClosed()
		if ok && last >= lastTick {
			break
		}
		require.True(t, time.Now().Before(deadline), "ticks did not close")
		s.Poll(now)
		now = now.Add(100 * time.Millisecond)
		runtime.Gosched()
	}
	wg.Wait()

	require.Len(t, *closures, int(lastTick)+1)
	for i, c := range *closures {
		require.Equal(t, lockstep.Tick(i), c.Set.Tick)
		require.Equal(t, ClosedReady, c.Reason)
		require.Len(t, c.Set.Commands, clients)
		require.True(t, c.Set.IsCanonical())
	}
}

func TestRunClosesTicksOnItsOwn(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TickRate = 100
	cfg.MinDeadline = 20 * time.Millisecond
	parts := newFakeParticipants()
	parts.add(1, "active", 0, 4)
	parts.add(2, "active", 0, 4)
	s, _ := newTestScheduler(t, cfg, parts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	s.Start(time.Now())

	submit(t, s, cmd(1, 0, 0, "a"))
	submit(t, s, cmd(2, 0, 0, "b"))
	submit(t, s, cmd(1, 1, 0, "a"))

	require.Eventually(t, func() bool {
		last, ok := s.LastClosed()
		return ok && last >= 1
	}, 2*time.Second, 5*time.Millisecond, "tick 1 should close at its deadline")

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
}
