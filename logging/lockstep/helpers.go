package lockstep

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventTickClosed is emitted for every closed tick.
	EventTickClosed logging.EventType = "lockstep.tick_closed"
	// EventDeadlineClosure is emitted when a tick closed at its deadline with substituted commands.
	EventDeadlineClosure logging.EventType = "lockstep.deadline_closure"
	// EventCommandRejected is emitted when a submission is refused.
	EventCommandRejected logging.EventType = "lockstep.command_rejected"
	// EventDesyncRisk is emitted when a participant can no longer follow the broadcast stream.
	EventDesyncRisk logging.EventType = "lockstep.desync_risk"
)

// TickClosedPayload summarises a closed command set.
type TickClosedPayload struct {
	Commands  int     `json:"commands"`
	Defaulted int     `json:"defaulted"`
	Reason    string  `json:"reason"`
	WaitedMS  float64 `json:"waitedMs"`
	Digest    uint64  `json:"digest"`
}

// DeadlineClosurePayload lists the clients that missed the deadline.
type DeadlineClosurePayload struct {
	Missing    []string `json:"missing"`
	DeadlineMS float64  `json:"deadlineMs"`
}

// CommandRejectedPayload captures why a submission was refused.
type CommandRejectedPayload struct {
	Tick     uint64 `json:"tick"`
	Sequence uint32 `json:"seq"`
	Reason   string `json:"reason"`
	Bound    uint64 `json:"bound,omitempty"`
}

// DesyncRiskPayload describes the gap or expiry that triggered the warning.
type DesyncRiskPayload struct {
	Expected uint64 `json:"expected"`
	Detail   string `json:"detail"`
}

// TickClosed publishes a debug event for a closed tick.
func TickClosed(ctx context.Context, pub logging.Publisher, tick uint64, payload TickClosedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickClosed,
		Tick:     tick,
		Actor:    logging.ServerRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryLockstep,
		Payload:  payload,
		Extra:    extra,
	})
}

// DeadlineClosure publishes a warning when defaults were substituted.
func DeadlineClosure(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload DeadlineClosurePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDeadlineClosure,
		Tick:     tick,
		Actor:    logging.ServerRef(),
		Targets:  targets,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLockstep,
		Payload:  payload,
		Extra:    extra,
	})
}

// CommandRejected publishes an info event for a refused submission.
func CommandRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLockstep,
		Payload:  payload,
		Extra:    extra,
	})
}

// DesyncRisk publishes an error event; the affected participant cannot recover
// on its own.
func DesyncRisk(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncRiskPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDesyncRisk,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryLockstep,
		Payload:  payload,
		Extra:    extra,
	})
}
