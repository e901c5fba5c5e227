package memory

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/transport"
)

func receiveN(t *testing.T, e *Endpoint, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]string, 0, n)
	for len(out) < n {
		msg, err := e.Receive(ctx)
		require.NoError(t, err)
		out = append(out, string(msg))
	}
	return out
}

func TestPipeDeliversInOrderWithoutImpairment(t *testing.T) {
	client, server := NewNetwork(Config{}).Pipe()

	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send([]byte(fmt.Sprint(i))))
	}
	require.NoError(t, server.Send([]byte("pong")))

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, receiveN(t, server, 5))
	assert.Equal(t, []string{"pong"}, receiveN(t, client, 1))
}

func TestSendCopiesPayload(t *testing.T) {
	client, server := NewNetwork(Config{}).Pipe()
	buf := []byte("abc")
	require.NoError(t, client.Send(buf))
	buf[0] = 'z'
	assert.Equal(t, []string{"abc"}, receiveN(t, server, 1))
}

func TestDropPredicateAndLoss(t *testing.T) {
	n := NewNetwork(Config{
		Drop: func(dir Direction, data []byte) bool {
			return dir == ClientToServer && string(data) == "drop-me"
		},
	})
	client, server := n.Pipe()

	require.NoError(t, client.Send([]byte("drop-me")))
	require.NoError(t, client.Send([]byte("keep")))
	assert.Equal(t, []string{"keep"}, receiveN(t, server, 1))

	stats := n.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Dropped)

	lossy := NewNetwork(Config{Up: LinkConfig{Loss: 1}})
	c, _ := lossy.Pipe()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}
	assert.Equal(t, uint64(10), lossy.Stats().Dropped)
}

func TestJitterReordersButDeliversEverything(t *testing.T) {
	n := NewNetwork(Config{Down: LinkConfig{Latency: time.Millisecond, Jitter: 5 * time.Millisecond}, Seed: 42})
	client, server := n.Pipe()

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("%02d", i)
		require.NoError(t, server.Send([]byte(want[i])))
	}
	client.Settle()

	got := receiveN(t, client, len(want))
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	assert.Equal(t, want, sorted)
}

func TestCloseDrainsThenFails(t *testing.T) {
	client, server := NewNetwork(Config{}).Pipe()
	require.NoError(t, client.Send([]byte("last")))
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.Send([]byte("late")), transport.ErrClosed)
	assert.Equal(t, []string{"last"}, receiveN(t, server, 1))

	_, err := server.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestReceiveHonoursContext(t *testing.T) {
	_, server := NewNetwork(Config{}).Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
