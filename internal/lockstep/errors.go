package lockstep

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTick rejects a command whose tick has already closed.
	ErrStaleTick = errors.New("stale tick")
	// ErrFutureTick rejects a command beyond the client's input delay horizon.
	ErrFutureTick = errors.New("future tick")
	// ErrOutOfOrder reports non-contiguous delivery to an execution gate.
	ErrOutOfOrder = errors.New("out of order tick")
	// ErrDesyncRisk reports that execution may have diverged or cannot continue
	// without risking divergence.
	ErrDesyncRisk = errors.New("desync risk")
	// ErrClientTimeout reports that a client stopped responding.
	ErrClientTimeout = errors.New("client timeout")
	// ErrDisconnected reports that a client session has ended.
	ErrDisconnected = errors.New("client disconnected")
	// ErrUnknownClient reports a command from a client without a session.
	ErrUnknownClient = errors.New("unknown client")
)

// Reject reasons shared with the wire protocol.
const (
	ReasonStaleTick     = "stale_tick"
	ReasonFutureTick    = "future_tick"
	ReasonOutOfOrder    = "out_of_order"
	ReasonDesyncRisk    = "desync_risk"
	ReasonClientTimeout = "client_timeout"
	ReasonDisconnected  = "disconnected"
	ReasonUnknownClient = "unknown_client"
	ReasonInternal      = "internal"
)

// TickError attaches tick context to one of the sentinel errors.
type TickError struct {
	Err    error
	Client ClientID
	Tick   Tick
	// Bound is the nearest permitted tick: the oldest open tick for stale
	// commands, the horizon for future ones, the expected tick for gaps.
	Bound Tick
	// Duplicate marks an out of order delivery of an already applied tick.
	Duplicate bool
}

func (e *TickError) Error() string {
	if e == nil || e.Err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: %s tick=%d bound=%d", e.Err, e.Client, e.Tick, e.Bound)
}

func (e *TickError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reason maps an error to its wire reject reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleTick):
		return ReasonStaleTick
	case errors.Is(err, ErrFutureTick):
		return ReasonFutureTick
	case errors.Is(err, ErrOutOfOrder):
		return ReasonOutOfOrder
	case errors.Is(err, ErrDesyncRisk):
		return ReasonDesyncRisk
	case errors.Is(err, ErrClientTimeout):
		return ReasonClientTimeout
	case errors.Is(err, ErrDisconnected):
		return ReasonDisconnected
	case errors.Is(err, ErrUnknownClient):
		return ReasonUnknownClient
	default:
		return ReasonInternal
	}
}
