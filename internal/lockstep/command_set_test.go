package lockstep

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandSetCanonicalOrder(t *testing.T) {
	t.Parallel()

	input := []Command{
		{ClientID: 3, Tick: 7, Sequence: 0, Payload: []byte("c0")},
		{ClientID: 1, Tick: 7, Sequence: 2, Payload: []byte("a2")},
		{ClientID: 2, Tick: 7, Sequence: 0, Payload: []byte("b0")},
		{ClientID: 1, Tick: 7, Sequence: 0, Payload: []byte("a0")},
	}
	set := NewCommandSet(7, input, []ClientID{9, 4})

	got := make([]string, 0, len(set.Commands))
	for _, cmd := range set.Commands {
		got = append(got, string(cmd.Payload))
	}
	assert.Equal(t, []string{"a0", "a2", "b0", "c0"}, got)
	assert.Equal(t, []ClientID{4, 9}, set.Defaulted)
	assert.True(t, set.IsCanonical())
	assert.True(t, set.WasDefaulted(9))
	assert.False(t, set.WasDefaulted(1))

	// The input slice must not alias the frozen set.
	input[0].Payload[0] = 'x'
	assert.Equal(t, "c0", string(set.Commands[3].Payload))
}

func TestCommandSetOrderIndependentOfSubmissionOrder(t *testing.T) {
	t.Parallel()

	base := make([]Command, 0, 24)
	for client := ClientID(1); client <= 6; client++ {
		for seq := uint32(0); seq < 4; seq++ {
			base = append(base, Command{
				ClientID: client,
				Tick:     11,
				Sequence: seq,
				Payload:  []byte(fmt.Sprintf("%d:%d", client, seq)),
			})
		}
	}
	want := NewCommandSet(11, base, nil)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]Command(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := NewCommandSet(11, shuffled, nil)
		require.Equal(t, want, got)
		require.Equal(t, want.Digest(), got.Digest())
	}
}

func TestCommandSetDigestDetectsDifferences(t *testing.T) {
	t.Parallel()

	set := NewCommandSet(3, []Command{{ClientID: 1, Tick: 3, Payload: []byte("up")}}, nil)
	payload := NewCommandSet(3, []Command{{ClientID: 1, Tick: 3, Payload: []byte("dn")}}, nil)
	tick := NewCommandSet(4, []Command{{ClientID: 1, Tick: 4, Payload: []byte("up")}}, nil)
	defaulted := NewCommandSet(3, []Command{{ClientID: 1, Tick: 3, Payload: []byte("up")}}, []ClientID{2})

	assert.NotEqual(t, set.Digest(), payload.Digest())
	assert.NotEqual(t, set.Digest(), tick.Digest())
	assert.NotEqual(t, set.Digest(), defaulted.Digest())
}

func TestIsCanonicalRejectsForeignTick(t *testing.T) {
	t.Parallel()

	set := CommandSet{Tick: 2, Commands: []Command{{ClientID: 1, Tick: 3}}}
	assert.False(t, set.IsCanonical())

	unordered := CommandSet{Tick: 2, Commands: []Command{{ClientID: 2, Tick: 2}, {ClientID: 1, Tick: 2}}}
	assert.False(t, unordered.IsCanonical())
}

func TestReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&TickError{Err: ErrStaleTick, Client: 1, Tick: 2}, ReasonStaleTick},
		{fmt.Errorf("submit: %w", &TickError{Err: ErrFutureTick}), ReasonFutureTick},
		{ErrOutOfOrder, ReasonOutOfOrder},
		{ErrDesyncRisk, ReasonDesyncRisk},
		{ErrClientTimeout, ReasonClientTimeout},
		{ErrDisconnected, ReasonDisconnected},
		{ErrUnknownClient, ReasonUnknownClient},
		{fmt.Errorf("boom"), ReasonInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Reason(tc.err))
	}
}
