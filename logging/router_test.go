package logging_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/logging"
	"lockstep/server/logging/sinks"
)

func TestRouterDeliversToSinksAboveMinimumSeverity(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"node": "test"}
	memory := sinks.NewMemorySink()
	router := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg, []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})

	router.Publish(context.Background(), logging.Event{Type: "debug.only", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "kept", Tick: 4, Severity: logging.SeverityWarn, Extra: map[string]any{"node": "override"}})
	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})

	require.NoError(t, router.Close(context.Background()))

	events := memory.Events()
	require.Len(t, events, 1)
	assert.Equal(t, logging.EventType("kept"), events[0].Type)
	assert.Equal(t, fixed, events[0].Time)
	assert.Equal(t, "override", events[0].Extra["node"])
	assert.Equal(t, uint64(1), router.Stats().EventsTotal)
	assert.Same(t, memory, router.Sink(logging.SinkMemory))
	assert.Nil(t, router.Sink("missing"))
}

func TestRouterIgnoresPublishAfterClose(t *testing.T) {
	memory := sinks.NewMemorySink()
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})
	require.NoError(t, router.Close(context.Background()))
	require.NoError(t, router.Close(context.Background()))

	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityError})
	assert.Empty(t, memory.Events())
}

func TestWithFieldsDoesNotOverrideEventExtra(t *testing.T) {
	var got logging.Event
	base := logging.PublisherFunc(func(_ context.Context, event logging.Event) { got = event })
	pub := logging.WithFields(base, map[string]any{"region": "eu", "tick": 1})

	pub.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"tick": 9}})

	assert.Equal(t, "eu", got.Extra["region"])
	assert.Equal(t, 9, got.Extra["tick"])
}

func TestParseSeverity(t *testing.T) {
	for input, want := range map[string]logging.Severity{
		"debug":   logging.SeverityDebug,
		"":        logging.SeverityInfo,
		"WARNING": logging.SeverityWarn,
		"error":   logging.SeverityError,
	} {
		got, err := logging.ParseSeverity(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := logging.ParseSeverity("loud")
	assert.Error(t, err)
}
