package proto

import (
	"encoding/json"
	"fmt"
	"strconv"

	"lockstep/server/internal/lockstep"
)

const (
	// Version tracks the wire-protocol revision expected by both peers.
	Version = 1
)

// Client message type identifiers.
const (
	TypeHello         = "hello"
	TypeCommandSubmit = "commandSubmit"
	TypeAck           = "ack"
	TypeHeartbeat     = "heartbeat"
	TypeResendRequest = "resendRequest"
	TypeReady         = "ready"
	TypeDisconnect    = "disconnect"
)

// Server message type identifiers.
const (
	TypeWelcome       = "welcome"
	TypeCommandReject = "commandReject"
	TypeTick          = "tick"
	TypeDelayAdvert   = "delay"
	TypeSimState      = "simulationState"
)

// Simulation states announced to every participant. Waiting means fewer
// clients are connected than the match needs; setup means enough are
// connected and the server waits for each of them to report ready; paused
// means the match started but nobody participates, so no tick can close.
const (
	StateWaiting = "waiting"
	StateSetup   = "setup"
	StateRunning = "running"
	StatePaused  = "paused"
	StateEnding  = "ending"
)

// Reject reasons produced at the transport boundary, alongside the
// lockstep.Reason* values.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonInvalidMessage  = "invalid_message"
	ReasonClientLeft      = "client_left"
	ReasonServerShutdown  = "server_shutdown"
	ReasonSlowConsumer    = "slow_consumer"
)

// ClientMessage captures an inbound message from a client. Fields are shared
// between message types; Type selects which ones are meaningful.
type ClientMessage struct {
	Ver      int    `json:"ver,omitempty"`
	Type     string `json:"type"`
	ClientID uint64 `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`
	Tick     uint64 `json:"tick,omitempty"`
	Seq      uint32 `json:"seq,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	From     uint64 `json:"from,omitempty"`
	SentAt   int64  `json:"sentAt,omitempty"`
	Echo     int64  `json:"echo,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DecodeClientMessage converts a raw frame into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("client message missing type")
	}
	return msg, nil
}

// Command extracts the lockstep command carried by a commandSubmit message.
// The sender identity comes from the connection, never from the payload.
func Command(sender lockstep.ClientID, msg ClientMessage) (lockstep.Command, bool) {
	if msg.Type != TypeCommandSubmit {
		return lockstep.Command{}, false
	}
	return lockstep.Command{
		ClientID: sender,
		Tick:     lockstep.Tick(msg.Tick),
		Sequence: msg.Seq,
		Payload:  msg.Payload,
	}, true
}

// Hello opens a session. ClientID requests a specific id; Token reclaims a
// previous session.
type Hello struct {
	ClientID uint64 `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`
}

// EncodeHello renders a hello frame.
func EncodeHello(msg Hello) ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypeHello, ClientID: msg.ClientID, Token: msg.Token})
}

// CommandSubmit contributes one command for a future tick.
type CommandSubmit struct {
	Tick    uint64 `json:"tick"`
	Seq     uint32 `json:"seq"`
	Payload []byte `json:"payload,omitempty"`
}

// EncodeCommandSubmit renders a command submission.
func EncodeCommandSubmit(msg CommandSubmit) ([]byte, error) {
	frame := struct {
		Ver     int    `json:"ver"`
		Type    string `json:"type"`
		Tick    uint64 `json:"tick"`
		Seq     uint32 `json:"seq"`
		Payload []byte `json:"payload,omitempty"`
	}{
		Ver:     Version,
		Type:    TypeCommandSubmit,
		Tick:    msg.Tick,
		Seq:     msg.Seq,
		Payload: msg.Payload,
	}
	return json.Marshal(frame)
}

// Ack answers a server heartbeat with the newest applied tick and the echoed
// server timestamp.
type Ack struct {
	Tick uint64 `json:"tick"`
	Echo int64  `json:"echo"`
}

// EncodeAck renders an acknowledgement.
func EncodeAck(msg Ack) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Tick uint64 `json:"tick"`
		Echo int64  `json:"echo"`
	}{
		Ver:  Version,
		Type: TypeAck,
		Tick: msg.Tick,
		Echo: msg.Echo,
	}
	return json.Marshal(frame)
}

// ResendRequest asks the relay to replay broadcasts from tick From onward.
type ResendRequest struct {
	From uint64 `json:"from"`
}

// EncodeResendRequest renders a resend request.
func EncodeResendRequest(msg ResendRequest) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		From uint64 `json:"from"`
	}{
		Ver:  Version,
		Type: TypeResendRequest,
		From: msg.From,
	}
	return json.Marshal(frame)
}

// EncodeReady tells the server the client finished loading and can start
// simulating.
func EncodeReady() ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypeReady})
}

// Welcome confirms a session and tells the client where to start.
type Welcome struct {
	ClientID   uint64 `json:"clientId"`
	Token      string `json:"token"`
	JoinTick   uint64 `json:"joinTick"`
	InputDelay int    `json:"inputDelay"`
	TickRate   int    `json:"tickRate"`
	Rejoined   bool   `json:"rejoined,omitempty"`
}

// EncodeWelcome renders a welcome frame.
func EncodeWelcome(msg Welcome) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Welcome
	}{
		Ver:     Version,
		Type:    TypeWelcome,
		Welcome: msg,
	}
	return json.Marshal(frame)
}

// CommandReject notifies the client that a submission was refused.
type CommandReject struct {
	Tick   uint64 `json:"tick"`
	Seq    uint32 `json:"seq"`
	Reason string `json:"reason"`
	Bound  uint64 `json:"bound,omitempty"`
}

// EncodeCommandReject renders a rejection.
func EncodeCommandReject(msg CommandReject) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Tick   uint64 `json:"tick"`
		Seq    uint32 `json:"seq"`
		Reason string `json:"reason"`
		Bound  uint64 `json:"bound,omitempty"`
	}{
		Ver:    Version,
		Type:   TypeCommandReject,
		Tick:   msg.Tick,
		Seq:    msg.Seq,
		Reason: msg.Reason,
		Bound:  msg.Bound,
	}
	return json.Marshal(frame)
}

// WireCommand is one entry of a tick broadcast.
type WireCommand struct {
	ClientID uint64 `json:"clientId"`
	Seq      uint32 `json:"seq"`
	Payload  []byte `json:"payload,omitempty"`
}

// TickBroadcast delivers a closed command set. Digest is the hex xxhash of
// the canonical set.
type TickBroadcast struct {
	Tick      uint64        `json:"tick"`
	Commands  []WireCommand `json:"commands"`
	Defaulted []uint64      `json:"defaulted,omitempty"`
	Digest    string        `json:"digest"`
}

// NewTickBroadcast converts a closed set into its wire form.
func NewTickBroadcast(set lockstep.CommandSet) TickBroadcast {
	msg := TickBroadcast{
		Tick:     uint64(set.Tick),
		Commands: make([]WireCommand, len(set.Commands)),
		Digest:   FormatDigest(set.Digest()),
	}
	for i, cmd := range set.Commands {
		msg.Commands[i] = WireCommand{ClientID: uint64(cmd.ClientID), Seq: cmd.Sequence, Payload: cmd.Payload}
	}
	if len(set.Defaulted) > 0 {
		msg.Defaulted = make([]uint64, len(set.Defaulted))
		for i, id := range set.Defaulted {
			msg.Defaulted[i] = uint64(id)
		}
	}
	return msg
}

// EncodeTick renders a closed set as a tick frame.
func EncodeTick(set lockstep.CommandSet) ([]byte, error) {
	return EncodeTickBroadcast(NewTickBroadcast(set))
}

// EncodeTickBroadcast renders a tick frame.
func EncodeTickBroadcast(msg TickBroadcast) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		TickBroadcast
	}{
		Ver:           Version,
		Type:          TypeTick,
		TickBroadcast: msg,
	}
	return json.Marshal(frame)
}

// CommandSet rebuilds the closed set carried by msg. The order on the wire must
// already be canonical and the digest must match; anything else means the
// sender and receiver disagree about the tick.
func (msg TickBroadcast) CommandSet() (lockstep.CommandSet, error) {
	tick := lockstep.Tick(msg.Tick)
	set := lockstep.CommandSet{Tick: tick, Commands: make([]lockstep.Command, len(msg.Commands))}
	for i, cmd := range msg.Commands {
		set.Commands[i] = lockstep.Command{
			ClientID: lockstep.ClientID(cmd.ClientID),
			Tick:     tick,
			Sequence: cmd.Seq,
			Payload:  cmd.Payload,
		}
	}
	if len(msg.Defaulted) > 0 {
		set.Defaulted = make([]lockstep.ClientID, len(msg.Defaulted))
		for i, id := range msg.Defaulted {
			set.Defaulted[i] = lockstep.ClientID(id)
		}
	}
	if !set.IsCanonical() {
		return lockstep.CommandSet{}, &lockstep.TickError{Err: lockstep.ErrDesyncRisk, Tick: tick}
	}
	digest, err := ParseDigest(msg.Digest)
	if err != nil {
		return lockstep.CommandSet{}, err
	}
	if got := set.Digest(); got != digest {
		return lockstep.CommandSet{}, fmt.Errorf("tick %d digest %016x want %016x: %w", tick, got, digest, lockstep.ErrDesyncRisk)
	}
	return set, nil
}

// FormatDigest renders a digest as fixed-width hex.
func FormatDigest(digest uint64) string {
	return fmt.Sprintf("%016x", digest)
}

// ParseDigest parses a FormatDigest string.
func ParseDigest(value string) (uint64, error) {
	digest, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse digest %q: %w", value, err)
	}
	return digest, nil
}

// DelayAdvert tells a client its current input delay horizon.
type DelayAdvert struct {
	InputDelay int    `json:"inputDelay"`
	Tick       uint64 `json:"tick"`
}

// EncodeDelayAdvert renders a delay advert.
func EncodeDelayAdvert(msg DelayAdvert) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		InputDelay int    `json:"inputDelay"`
		Tick       uint64 `json:"tick"`
	}{
		Ver:        Version,
		Type:       TypeDelayAdvert,
		InputDelay: msg.InputDelay,
		Tick:       msg.Tick,
	}
	return json.Marshal(frame)
}

// SimulationState announces the match phase. Tick is the head tick when the
// state was entered.
type SimulationState struct {
	State string `json:"state"`
	Tick  uint64 `json:"tick"`
}

// EncodeSimulationState renders a state announcement.
func EncodeSimulationState(msg SimulationState) ([]byte, error) {
	frame := struct {
		Ver   int    `json:"ver"`
		Type  string `json:"type"`
		State string `json:"state"`
		Tick  uint64 `json:"tick"`
	}{
		Ver:   Version,
		Type:  TypeSimState,
		State: msg.State,
		Tick:  msg.Tick,
	}
	return json.Marshal(frame)
}

// Heartbeat carries the sender's newest tick and a timestamp in Unix
// milliseconds. Clients echo the server's timestamp in their Ack.
type Heartbeat struct {
	Tick   uint64 `json:"tick"`
	SentAt int64  `json:"sentAt"`
}

// EncodeHeartbeat renders a heartbeat.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Tick   uint64 `json:"tick"`
		SentAt int64  `json:"sentAt"`
	}{
		Ver:    Version,
		Type:   TypeHeartbeat,
		Tick:   msg.Tick,
		SentAt: msg.SentAt,
	}
	return json.Marshal(frame)
}

// Disconnect ends a session from either side.
type Disconnect struct {
	ClientID uint64 `json:"clientId,omitempty"`
	Reason   string `json:"reason"`
}

// EncodeDisconnect renders a disconnect.
func EncodeDisconnect(msg Disconnect) ([]byte, error) {
	frame := struct {
		Ver      int    `json:"ver"`
		Type     string `json:"type"`
		ClientID uint64 `json:"clientId,omitempty"`
		Reason   string `json:"reason"`
	}{
		Ver:      Version,
		Type:     TypeDisconnect,
		ClientID: msg.ClientID,
		Reason:   msg.Reason,
	}
	return json.Marshal(frame)
}

// ServerMessage captures an inbound message on the client side.
type ServerMessage struct {
	Ver        int           `json:"ver"`
	Type       string        `json:"type"`
	ClientID   uint64        `json:"clientId,omitempty"`
	Token      string        `json:"token,omitempty"`
	JoinTick   uint64        `json:"joinTick,omitempty"`
	InputDelay int           `json:"inputDelay,omitempty"`
	TickRate   int           `json:"tickRate,omitempty"`
	Rejoined   bool          `json:"rejoined,omitempty"`
	Tick       uint64        `json:"tick,omitempty"`
	Seq        uint32        `json:"seq,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Bound      uint64        `json:"bound,omitempty"`
	Commands   []WireCommand `json:"commands,omitempty"`
	Defaulted  []uint64      `json:"defaulted,omitempty"`
	Digest     string        `json:"digest,omitempty"`
	SentAt     int64         `json:"sentAt,omitempty"`
	State      string        `json:"state,omitempty"`
}

// DecodeServerMessage converts a raw frame into a structured message.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported server protocol version %d", msg.Ver)
	}
	return msg, nil
}

// TickBroadcast extracts the tick payload of msg.
func (msg ServerMessage) TickBroadcast() (TickBroadcast, bool) {
	if msg.Type != TypeTick {
		return TickBroadcast{}, false
	}
	return TickBroadcast{
		Tick:      msg.Tick,
		Commands:  msg.Commands,
		Defaulted: msg.Defaulted,
		Digest:    msg.Digest,
	}, true
}

// Welcome extracts the welcome payload of msg.
func (msg ServerMessage) Welcome() (Welcome, bool) {
	if msg.Type != TypeWelcome {
		return Welcome{}, false
	}
	return Welcome{
		ClientID:   msg.ClientID,
		Token:      msg.Token,
		JoinTick:   msg.JoinTick,
		InputDelay: msg.InputDelay,
		TickRate:   msg.TickRate,
		Rejoined:   msg.Rejoined,
	}, true
}

// SimulationState extracts the state announcement carried by msg.
func (msg ServerMessage) SimulationState() (SimulationState, bool) {
	if msg.Type != TypeSimState {
		return SimulationState{}, false
	}
	return SimulationState{State: msg.State, Tick: msg.Tick}, true
}
