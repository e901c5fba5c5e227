package lockstep

import (
	"fmt"
	"strconv"
)

// Tick identifies one deterministic simulation step. Ticks are global across
// every participant and are never reused.
type Tick uint64

// ClientID identifies a participant. Identifiers are assigned by the server
// during the handshake.
type ClientID uint64

func (id ClientID) String() string {
	return "client-" + strconv.FormatUint(uint64(id), 10)
}

// Command is an opaque input payload attributed to one client and targeted at
// one tick. Sequence disambiguates several commands from the same client in the
// same tick.
type Command struct {
	ClientID ClientID `json:"clientId"`
	Tick     Tick     `json:"tick"`
	Sequence uint32   `json:"seq"`
	Payload  []byte   `json:"payload,omitempty"`
}

// CommandKey is the identity of a command inside the pending window.
type CommandKey struct {
	ClientID ClientID
	Tick     Tick
	Sequence uint32
}

func (k CommandKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.ClientID, k.Tick, k.Sequence)
}

// Key returns the identity used to deduplicate resubmissions.
func (c Command) Key() CommandKey {
	return CommandKey{ClientID: c.ClientID, Tick: c.Tick, Sequence: c.Sequence}
}

// IsNoOp reports whether the command carries no payload.
func (c Command) IsNoOp() bool {
	return len(c.Payload) == 0
}

// Clone returns a copy that does not share the payload backing array.
func (c Command) Clone() Command {
	if c.Payload != nil {
		c.Payload = append([]byte(nil), c.Payload...)
	}
	return c
}

// DefaultCommand is the deterministic substitute assigned to a client that
// missed the closure deadline for tick.
func DefaultCommand(id ClientID, tick Tick) Command {
	return Command{ClientID: id, Tick: tick}
}
