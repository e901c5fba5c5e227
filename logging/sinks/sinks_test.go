package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/server/logging"
)

func sampleEvent() logging.Event {
	return logging.Event{
		Type:     "lockstep.tick_closed",
		Tick:     42,
		Time:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:    logging.ServerRef(),
		Targets:  []logging.EntityRef{logging.ClientRef("client-7")},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLockstep,
		Extra:    map[string]any{"reason": "deadline"},
	}
}

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{Prefix: "[test] "})

	require.NoError(t, sink.Write(sampleEvent()))
	require.NoError(t, sink.Close(context.Background()))

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "[test] "))
	require.Contains(t, line, "[lockstep.tick_closed] tick=42")
	require.Contains(t, line, "client-7")
	require.Contains(t, line, "reason")
}

func TestJSONSinkWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)

	require.NoError(t, sink.Write(sampleEvent()))
	event := sampleEvent()
	event.Tick = 43
	require.NoError(t, sink.Write(event))
	require.NoError(t, sink.Close(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	require.Equal(t, "lockstep.tick_closed", decoded["type"])
	require.Equal(t, float64(43), decoded["tick"])
	require.Equal(t, "warn", decoded["severity"])
}

func TestJSONSinkFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, time.Hour)

	require.NoError(t, sink.Write(sampleEvent()))
	require.Zero(t, buf.Len())
	require.NoError(t, sink.Close(context.Background()))
	require.NotZero(t, buf.Len())
}

func TestMemorySinkFiltersByType(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Write(sampleEvent()))
	other := sampleEvent()
	other.Type = "lifecycle.client_joined"
	require.NoError(t, sink.Write(other))

	require.Len(t, sink.Events(), 2)
	require.Len(t, sink.OfType("lifecycle.client_joined"), 1)
	sink.Reset()
	require.Empty(t, sink.Events())
}
