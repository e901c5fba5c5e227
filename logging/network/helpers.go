package network

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventAckAdvanced is emitted when a client acknowledges a newer tick.
	EventAckAdvanced logging.EventType = "network.ack_advanced"
	// EventAckRegression is emitted when a client reports an older acknowledgement than previously recorded.
	EventAckRegression logging.EventType = "network.ack_regression"
	// EventDelayAdvertised is emitted when a client's input delay changes.
	EventDelayAdvertised logging.EventType = "network.delay_advertised"
	// EventResendServed is emitted when broadcasts are replayed to a client.
	EventResendServed logging.EventType = "network.resend_served"
)

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous uint64  `json:"previous"`
	Ack      uint64  `json:"ack"`
	RTTMS    float64 `json:"rttMs,omitempty"`
}

// DelayPayload captures an input delay adjustment.
type DelayPayload struct {
	Previous    int     `json:"previous"`
	Current     int     `json:"current"`
	SmoothedRTT float64 `json:"smoothedRttMs"`
	Cause       string  `json:"cause"`
}

// ResendPayload captures a replayed range of broadcasts.
type ResendPayload struct {
	From  uint64 `json:"from"`
	Count int    `json:"count"`
}

// AckAdvanced publishes a debug event when a client acknowledgement advances.
func AckAdvanced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckAdvanced, logging.SeverityDebug, tick, actor, payload, extra)
}

// AckRegression publishes a warning event when a client acknowledgement regresses.
func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckRegression, logging.SeverityWarn, tick, actor, payload, extra)
}

// DelayAdvertised publishes an info event when a new input delay is sent.
func DelayAdvertised(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DelayPayload, extra map[string]any) {
	publish(ctx, pub, EventDelayAdvertised, logging.SeverityInfo, tick, actor, payload, extra)
}

// ResendServed publishes a debug event for a replayed range.
func ResendServed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResendPayload, extra map[string]any) {
	publish(ctx, pub, EventResendServed, logging.SeverityDebug, tick, actor, payload, extra)
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
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
