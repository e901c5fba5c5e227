package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "lockstep/server"
	"lockstep/server/internal/client"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/ws"
)

func websocketURL(t *testing.T, base string) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}

func startServer(t *testing.T) (*server.Hub, string) {
	t.Helper()
	cfg := server.DefaultHubConfig()
	cfg.Scheduler.TickRate = 100
	hub := server.NewHubWithConfig(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	handler := ws.NewHandler(hub, ws.HandlerConfig{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, websocketURL(t, srv.URL)
}

func TestHandlerRunsHandshakeAndTicks(t *testing.T) {
	hub, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	sim := &client.HashSimulation{}
	c, err := client.Connect(ctx, conn, sim, client.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.NotZero(t, c.ID())
	assert.Equal(t, 100, c.Welcome().TickRate)
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		c.Pump()
		c.Gate().Drain()
		return len(sim.Applied()) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Diagnostics().Peers)
	assert.Equal(t, c.Welcome().JoinTick, uint64(sim.Applied()[0]))
}

func TestHandlerRefusesGarbageHandshake(t *testing.T) {
	_, url := startServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := proto.DecodeServerMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeDisconnect, msg.Type)
	assert.Equal(t, proto.ReasonInvalidMessage, msg.Reason)
}
