package server

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/scheduler"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

// ClosureRecorder persists closed ticks.
type ClosureRecorder interface {
	Record(closure scheduler.Closure)
}

// HubConfig tunes the hub and carries its ambient collaborators.
type HubConfig struct {
	Scheduler scheduler.Config
	Session   session.Config

	// MinClients is the number of Active sessions required before tick 0 may
	// close. Every connected session must also have reported ready.
	MinClients int
	// HeartbeatInterval is how often the hub pings every peer.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the wait for a hello.
	HandshakeTimeout time.Duration
	// HistorySize is the number of broadcasts retained for resends.
	HistorySize int
	// HistoryMaxAge additionally expires retained broadcasts by age.
	HistoryMaxAge time.Duration
	// MaxPayloadBytes caps a command payload. Zero disables the cap.
	MaxPayloadBytes int
	// Submit throttles command submissions per client.
	Submit intake.Limits
	// PeerQueueDepth bounds the frames buffered for one peer's writer. A peer
	// that falls this far behind is disconnected.
	PeerQueueDepth int

	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Clock    logging.Clock
	Tracer   trace.Tracer
	Recorder ClosureRecorder
}

// DefaultHubConfig returns the settings used by the server binary.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Scheduler:         scheduler.DefaultConfig(),
		Session:           session.DefaultConfig(),
		MinClients:        1,
		HeartbeatInterval: time.Second,
		HandshakeTimeout:  5 * time.Second,
		HistorySize:       256,
		MaxPayloadBytes:   1024,
		Submit:            intake.Limits{Rate: 240, Burst: 64},
		PeerQueueDepth:    256,
	}
}
