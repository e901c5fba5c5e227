package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/scheduler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "replay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func closureFor(tick lockstep.Tick, reason scheduler.ClosureReason, defaulted ...lockstep.ClientID) scheduler.Closure {
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(tick) * 100 * time.Millisecond)
	commands := []lockstep.Command{
		{ClientID: 2, Tick: tick, Sequence: 1, Payload: []byte("b")},
		{ClientID: 1, Tick: tick, Sequence: 1, Payload: []byte("a")},
	}
	for _, id := range defaulted {
		commands = append(commands, lockstep.Command{ClientID: id, Tick: tick})
	}
	return scheduler.Closure{
		Set:      lockstep.NewCommandSet(tick, commands, defaulted),
		Reason:   reason,
		OpenedAt: opened,
		ClosedAt: opened.Add(40 * time.Millisecond),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, closureFor(0, scheduler.ClosedReady)))
	require.NoError(t, store.Append(ctx, closureFor(1, scheduler.ClosedDeadline, 3)))
	require.NoError(t, store.Append(ctx, closureFor(2, scheduler.ClosedReady)))

	entries, err := store.Load(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	want := closureFor(1, scheduler.ClosedDeadline, 3)
	got := entries[0]
	require.Equal(t, lockstep.Tick(1), got.Set.Tick)
	require.Equal(t, scheduler.ClosedDeadline, got.Reason)
	require.Equal(t, want.Set.Digest(), got.Set.Digest())
	require.Equal(t, []lockstep.ClientID{3}, got.Set.Defaulted)
	require.True(t, got.Set.IsCanonical())
	require.True(t, want.OpenedAt.Equal(got.OpenedAt))
	require.True(t, want.ClosedAt.Equal(got.ClosedAt))

	require.Equal(t, lockstep.Tick(2), entries[1].Set.Tick)
	require.Empty(t, entries[1].Set.Defaulted)
}

func TestAppendRejectsDuplicateTick(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, closureFor(4, scheduler.ClosedReady)))
	err := store.Append(ctx, closureFor(4, scheduler.ClosedReady))
	require.ErrorIs(t, err, ErrAlreadyRecorded)

	entries, err := store.Load(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Set.Commands, 2)
}

func TestLoadDetectsTamperedCommands(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, closureFor(0, scheduler.ClosedReady)))

	_, err := store.sqlDB.ExecContext(ctx, `UPDATE commands SET payload = ? WHERE client_id = 1`, []byte("z"))
	require.NoError(t, err)

	_, err = store.Load(ctx, 0, 0)
	require.ErrorIs(t, err, lockstep.ErrDesyncRisk)
}

func TestLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Append(ctx, closureFor(0, scheduler.ClosedReady)))
	require.NoError(t, store.Append(ctx, closureFor(1, scheduler.ClosedReady)))
	latest, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, lockstep.Tick(1), latest)
}

func TestAppendHonoursCancelledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Append(ctx, closureFor(0, scheduler.ClosedReady))
	require.True(t, errors.Is(err, context.Canceled))
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func (m *countingMetrics) Add(key string, delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]uint64)
	}
	m.counts[key] += delta
}

func (m *countingMetrics) Store(string, uint64)    {}
func (m *countingMetrics) Observe(string, float64) {}

func (m *countingMetrics) get(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func TestRecorderFlushesOnClose(t *testing.T) {
	store := openTestStore(t)
	metrics := &countingMetrics{}
	recorder := NewRecorder(store, RecorderConfig{Buffer: 16, Metrics: metrics})

	for tick := lockstep.Tick(0); tick < 5; tick++ {
		recorder.Record(closureFor(tick, scheduler.ClosedReady))
	}
	recorder.Record(closureFor(2, scheduler.ClosedReady))
	recorder.Close()
	recorder.Close()
	recorder.Record(closureFor(9, scheduler.ClosedReady))

	entries, err := store.Load(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, uint64(5), metrics.get(metricRecorded))
	require.Equal(t, uint64(1), metrics.get(metricFailed))
}
