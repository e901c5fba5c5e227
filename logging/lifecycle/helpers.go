package lifecycle

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventClientJoined is emitted when a client completes the handshake.
	EventClientJoined logging.EventType = "lifecycle.client_joined"
	// EventClientStatusChanged is emitted on every session status transition.
	EventClientStatusChanged logging.EventType = "lifecycle.client_status_changed"
	// EventClientDisconnected is emitted when a session ends.
	EventClientDisconnected logging.EventType = "lifecycle.client_disconnected"
	// EventSimulationStateChanged is emitted when the match changes phase.
	EventSimulationStateChanged logging.EventType = "lifecycle.simulation_state_changed"
)

// ClientJoinedPayload captures admission metadata for a new session.
type ClientJoinedPayload struct {
	JoinTick   uint64 `json:"joinTick"`
	InputDelay int    `json:"inputDelay"`
	Rejoined   bool   `json:"rejoined,omitempty"`
}

// ClientStatusChangedPayload captures a status transition.
type ClientStatusChangedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ClientDisconnectedPayload captures the reason a client left.
type ClientDisconnectedPayload struct {
	Reason string `json:"reason"`
}

// SimulationStateChangedPayload captures a match phase change.
type SimulationStateChangedPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Ready     int    `json:"ready"`
	Connected int    `json:"connected"`
}

// ClientJoined publishes a client join event.
func ClientJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClientJoinedPayload, extra map[string]any) {
	publish(ctx, pub, EventClientJoined, logging.SeverityInfo, tick, actor, payload, extra)
}

// ClientStatusChanged publishes a status transition. Transitions into the
// stalled state are warnings.
func ClientStatusChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClientStatusChangedPayload, extra map[string]any) {
	severity := logging.SeverityInfo
	if payload.To == "stalled" {
		severity = logging.SeverityWarn
	}
	publish(ctx, pub, EventClientStatusChanged, severity, tick, actor, payload, extra)
}

// ClientDisconnected publishes a client disconnect event.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClientDisconnectedPayload, extra map[string]any) {
	publish(ctx, pub, EventClientDisconnected, logging.SeverityInfo, tick, actor, payload, extra)
}

// SimulationStateChanged publishes a match phase change.
func SimulationStateChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload SimulationStateChangedPayload, extra map[string]any) {
	publish(ctx, pub, EventSimulationStateChanged, logging.SeverityInfo, tick, logging.ServerRef(), payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
