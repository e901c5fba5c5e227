// Package session tracks the lifecycle of connected lockstep clients.
package session

import (
	"errors"
	"time"

	"lockstep/server/internal/delay"
	"lockstep/server/internal/lockstep"
)

// Status is the lifecycle state of a client session.
type Status int

const (
	StatusJoining Status = iota
	StatusActive
	StatusStalled
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusStalled:
		return "stalled"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in diagnostics payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Participating reports whether a session in this state is owed broadcasts.
func (s Status) Participating() bool {
	return s != StatusDisconnected
}

var (
	// ErrClientIDTaken rejects a requested id that belongs to another session.
	ErrClientIDTaken = errors.New("client id already in use")
	// ErrUnknownToken rejects a reconnect token that matches no session.
	ErrUnknownToken = errors.New("unknown reconnect token")
	// ErrSessionInUse rejects a reconnect token whose session still has a
	// live connection.
	ErrSessionInUse = errors.New("session still connected")
)

// Transition reasons.
const (
	ReasonFirstSubmission = "first_submission"
	ReasonRecovered       = "recovered"
	ReasonMissedDeadlines = "missed_deadlines"
	ReasonRejoined        = "rejoined"
)

// Session is a point-in-time copy of a client's server-side record.
type Session struct {
	ID                lockstep.ClientID `json:"id"`
	Token             string            `json:"-"`
	Status            Status            `json:"status"`
	JoinTick          lockstep.Tick     `json:"joinTick"`
	LastAckedTick     lockstep.Tick     `json:"lastAckedTick"`
	HasAck            bool              `json:"hasAck"`
	Ready             bool              `json:"ready"`
	ObservedRTT       time.Duration     `json:"observedRtt"`
	InputDelay        int               `json:"inputDelay"`
	ConsecutiveMisses int               `json:"consecutiveMisses"`
	TotalMisses       uint64            `json:"totalMisses"`
	JoinedAt          time.Time         `json:"joinedAt"`
	LastSeen          time.Time         `json:"lastSeen"`
	StalledSince      time.Time         `json:"stalledSince,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}

// Transition records a status change.
type Transition struct {
	ID     lockstep.ClientID
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// Config tunes stall and timeout detection.
type Config struct {
	// HeartbeatTimeout disconnects a session that sent nothing for this long.
	HeartbeatTimeout time.Duration
	// StallAfterMisses consecutive deadline substitutions mark a session stalled.
	StallAfterMisses int
	// DisconnectAfterMisses consecutive substitutions disconnect a stalled
	// session. Zero disables the count limit.
	DisconnectAfterMisses int
	// StallTimeout disconnects a session that stayed stalled for this long.
	// Zero disables the time limit.
	StallTimeout time.Duration
	// Delay configures each session's delay controller.
	Delay delay.Config
}

// DefaultConfig returns conservative lifecycle limits.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:      10 * time.Second,
		StallAfterMisses:      3,
		DisconnectAfterMisses: 90,
		StallTimeout:          5 * time.Second,
		Delay:                 delay.DefaultConfig(),
	}
}
