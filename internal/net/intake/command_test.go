package intake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/proto"
)

type fakeScheduler struct {
	commands []lockstep.Command
	held     map[lockstep.CommandKey]bool
	stored   bool
	err      error
}

func (f *fakeScheduler) Submit(cmd lockstep.Command) (bool, error) {
	f.commands = append(f.commands, cmd)
	if f.stored && f.err == nil {
		if f.held == nil {
			f.held = make(map[lockstep.CommandKey]bool)
		}
		f.held[cmd.Key()] = true
	}
	return f.stored, f.err
}

func (f *fakeScheduler) Stored(key lockstep.CommandKey) bool {
	return f.held[key]
}

func submitMsg(tick uint64, payload string) proto.ClientMessage {
	return proto.ClientMessage{Ver: proto.Version, Type: proto.TypeCommandSubmit, Tick: tick, Seq: 1, Payload: []byte(payload)}
}

func TestStageCommandSubmitAccepts(t *testing.T) {
	sched := &fakeScheduler{stored: true}
	cmd, stored, err := StageCommandSubmit(CommandContext{Scheduler: sched}, 4, submitMsg(9, "go"))
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, lockstep.ClientID(4), cmd.ClientID)
	assert.Equal(t, lockstep.Tick(9), cmd.Tick)
	require.Len(t, sched.commands, 1)
}

func TestStageCommandSubmitRejectsWrongType(t *testing.T) {
	sched := &fakeScheduler{stored: true}
	_, _, err := StageCommandSubmit(CommandContext{Scheduler: sched}, 4, proto.ClientMessage{Type: proto.TypeAck})
	assert.Equal(t, proto.ReasonInvalidMessage, Reason(err))
	assert.Empty(t, sched.commands)
}

func TestStageCommandSubmitEnforcesPayloadCap(t *testing.T) {
	sched := &fakeScheduler{stored: true}
	ctx := CommandContext{Scheduler: sched, MaxPayloadBytes: 4}

	_, _, err := StageCommandSubmit(ctx, 1, submitMsg(0, "12345"))
	assert.Equal(t, proto.ReasonPayloadTooLarge, Reason(err))

	_, stored, err := StageCommandSubmit(ctx, 1, submitMsg(0, "1234"))
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestStageCommandSubmitPropagatesSchedulerErrors(t *testing.T) {
	sched := &fakeScheduler{err: &lockstep.TickError{Err: lockstep.ErrStaleTick, Tick: 3, Bound: 4}}
	_, _, err := StageCommandSubmit(CommandContext{Scheduler: sched}, 1, submitMsg(3, ""))
	assert.ErrorIs(t, err, lockstep.ErrStaleTick)
	assert.Equal(t, lockstep.ReasonStaleTick, Reason(err))
}

func TestLimiterThrottlesPerClient(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	limiter := NewLimiter(Limits{Rate: 10, Burst: 2}, clock)
	sched := &fakeScheduler{stored: true}
	ctx := CommandContext{Scheduler: sched, Limiter: limiter}

	for i := 0; i < 2; i++ {
		_, _, err := StageCommandSubmit(ctx, 1, submitMsg(uint64(i), "x"))
		require.NoError(t, err)
	}
	_, _, err := StageCommandSubmit(ctx, 1, submitMsg(2, "x"))
	assert.Equal(t, proto.ReasonRateLimited, Reason(err))

	_, _, err = StageCommandSubmit(ctx, 2, submitMsg(2, "x"))
	require.NoError(t, err, "other clients have their own bucket")

	now = now.Add(100 * time.Millisecond)
	_, _, err = StageCommandSubmit(ctx, 1, submitMsg(2, "x"))
	require.NoError(t, err, "a token refills after 1/rate")

	assert.Equal(t, 2, limiter.Len())
	limiter.Forget(2)
	assert.Equal(t, 1, limiter.Len())
	now = now.Add(time.Minute)
	assert.Equal(t, 1, limiter.EvictIdle(time.Second))
}

func TestResubmissionSkipsLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewLimiter(Limits{Rate: 1, Burst: 1}, func() time.Time { return now })
	sched := &fakeScheduler{stored: true}
	ctx := CommandContext{Scheduler: sched, Limiter: limiter}

	_, stored, err := StageCommandSubmit(ctx, 1, submitMsg(5, "x"))
	require.NoError(t, err)
	require.True(t, stored)

	for i := 0; i < 3; i++ {
		cmd, stored, err := StageCommandSubmit(ctx, 1, submitMsg(5, "x"))
		require.NoError(t, err, "resubmission %d must not be rate limited", i)
		assert.False(t, stored)
		assert.Equal(t, lockstep.Tick(5), cmd.Tick)
	}
	assert.Len(t, sched.commands, 1, "duplicates never reach Submit")

	_, _, err = StageCommandSubmit(ctx, 1, submitMsg(6, "y"))
	assert.Equal(t, proto.ReasonRateLimited, Reason(err), "new commands still spend tokens")
}

func TestLimiterDisabled(t *testing.T) {
	limiter := NewLimiter(Limits{}, nil)
	for i := 0; i < 1000; i++ {
		require.True(t, limiter.Allow(1))
	}
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow(1))
}
