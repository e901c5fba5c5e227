// Package ws carries the lockstep protocol over websockets.
package ws

import (
	"context"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/transport"
)

// ConnServer runs the protocol on an accepted connection.
type ConnServer interface {
	ServeConn(ctx context.Context, conn transport.Conn) error
}

type HandlerConfig struct {
	Logger telemetry.Logger
}

type Handler struct {
	server   ConnServer
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(server ConnServer, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		server:   server,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request and serves the connection until it ends.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := NewConn(conn)
	defer c.Close()
	if err := h.server.ServeConn(r.Context(), c); err != nil {
		h.logger.Printf("connection from %s ended: %v", r.RemoteAddr, err)
	}
}
