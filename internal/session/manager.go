package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"lockstep/server/internal/delay"
	"lockstep/server/internal/lockstep"
	"lockstep/server/logging"
)

// JoinRequest carries the optional identity hints from a client handshake.
type JoinRequest struct {
	ClientID lockstep.ClientID
	Token    string
}

type record struct {
	Session
	delay *delay.Controller
}

// Manager owns every ClientSession. All methods are safe for concurrent use.
type Manager struct {
	cfg   Config
	clock logging.Clock

	mu       sync.RWMutex
	sessions map[lockstep.ClientID]*record
	tokens   map[string]lockstep.ClientID
	nextID   lockstep.ClientID
}

// NewManager constructs an empty manager.
func NewManager(cfg Config, clock logging.Clock) *Manager {
	if clock == nil {
		clock = logging.SystemClock
	}
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[lockstep.ClientID]*record),
		tokens:   make(map[string]lockstep.ClientID),
	}
}

// Join admits a client at joinTick in the Joining state. A known token
// reclaims the disconnected session it was issued for; a requested id is
// honoured when free; otherwise a fresh id is assigned.
func (m *Manager) Join(req JoinRequest, joinTick lockstep.Tick) (Session, bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Token != "" {
		id, ok := m.tokens[req.Token]
		if !ok {
			return Session{}, false, ErrUnknownToken
		}
		rec := m.sessions[id]
		if rec.Status.Participating() {
			return Session{}, false, ErrSessionInUse
		}
		rec.Status = StatusJoining
		rec.JoinTick = joinTick
		rec.HasAck = false
		rec.Ready = false
		rec.LastAckedTick = 0
		rec.ConsecutiveMisses = 0
		rec.StalledSince = time.Time{}
		rec.Reason = ReasonRejoined
		rec.LastSeen = now
		rec.JoinedAt = now
		return rec.Session, true, nil
	}

	id := req.ClientID
	if id != 0 {
		if _, taken := m.sessions[id]; taken {
			return Session{}, false, ErrClientIDTaken
		}
	} else {
		id = m.allocateIDLocked()
	}

	ctrl := delay.NewController(m.cfg.Delay)
	rec := &record{
		Session: Session{
			ID:         id,
			Token:      uuid.NewString(),
			Status:     StatusJoining,
			JoinTick:   joinTick,
			InputDelay: ctrl.Current(),
			JoinedAt:   now,
			LastSeen:   now,
		},
		delay: ctrl,
	}
	m.sessions[id] = rec
	m.tokens[rec.Token] = id
	return rec.Session, false, nil
}

func (m *Manager) allocateIDLocked() lockstep.ClientID {
	for {
		m.nextID++
		if _, taken := m.sessions[m.nextID]; !taken {
			return m.nextID
		}
	}
}

// Touch records liveness for id.
func (m *Manager) Touch(id lockstep.ClientID) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok && rec.Status.Participating() {
		rec.LastSeen = now
	}
}

// MarkReady records that id finished loading and can start simulating. It
// reports whether the flag changed.
func (m *Manager) MarkReady(id lockstep.ClientID) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return false
	}
	rec.LastSeen = now
	if rec.Ready {
		return false
	}
	rec.Ready = true
	return true
}

// Readiness counts connected sessions and how many of them reported ready.
func (m *Manager) Readiness() (ready, connected int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.sessions {
		if !rec.Status.Participating() {
			continue
		}
		connected++
		if rec.Ready {
			ready++
		}
	}
	return ready, connected
}

// MarkSubmitted records an accepted submission. The first submission activates
// a joining session and a timely submission recovers a stalled one.
func (m *Manager) MarkSubmitted(id lockstep.ClientID) (Transition, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Transition{}, false
	}
	rec.LastSeen = now
	rec.ConsecutiveMisses = 0
	switch rec.Status {
	case StatusJoining:
		return m.transitionLocked(rec, StatusActive, ReasonFirstSubmission, now), true
	case StatusStalled:
		rec.StalledSince = time.Time{}
		return m.transitionLocked(rec, StatusActive, ReasonRecovered, now), true
	default:
		return Transition{}, false
	}
}

// RecordMiss notes that id received a deadline substitute.
func (m *Manager) RecordMiss(id lockstep.ClientID) (Transition, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return Transition{}, false
	}
	rec.ConsecutiveMisses++
	rec.TotalMisses++
	switch rec.Status {
	case StatusActive:
		if m.cfg.StallAfterMisses > 0 && rec.ConsecutiveMisses >= m.cfg.StallAfterMisses {
			rec.StalledSince = now
			return m.transitionLocked(rec, StatusStalled, ReasonMissedDeadlines, now), true
		}
	case StatusStalled:
		if m.cfg.DisconnectAfterMisses > 0 && rec.ConsecutiveMisses >= m.cfg.DisconnectAfterMisses {
			return m.transitionLocked(rec, StatusDisconnected, lockstep.ReasonClientTimeout, now), true
		}
	}
	return Transition{}, false
}

// ObserveRTT feeds a round-trip sample to id's delay controller.
func (m *Manager) ObserveRTT(id lockstep.ClientID, rtt time.Duration) (delay.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return delay.Change{}, false
	}
	change, changed := rec.delay.Observe(rtt)
	rec.ObservedRTT = rec.delay.Smoothed()
	rec.InputDelay = rec.delay.Current()
	return change, changed
}

// NoteDeadlineMiss widens id's horizon after a missed deadline.
func (m *Manager) NoteDeadlineMiss(id lockstep.ClientID) (delay.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return delay.Change{}, false
	}
	change, changed := rec.delay.NoteDeadlineMiss()
	rec.InputDelay = rec.delay.Current()
	return change, changed
}

// Ack records the newest tick id reports as applied and returns the previous
// value.
func (m *Manager) Ack(id lockstep.ClientID, tick lockstep.Tick) (previous lockstep.Tick, hadPrevious bool, ok bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.sessions[id]
	if !exists || !rec.Status.Participating() {
		return 0, false, false
	}
	previous, hadPrevious = rec.LastAckedTick, rec.HasAck
	rec.LastAckedTick = tick
	rec.HasAck = true
	rec.LastSeen = now
	return previous, hadPrevious, true
}

// Disconnect ends id's session.
func (m *Manager) Disconnect(id lockstep.ClientID, reason string) (Transition, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return Transition{}, false
	}
	return m.transitionLocked(rec, StatusDisconnected, reason, now), true
}

// Sweep disconnects sessions whose heartbeat lapsed or whose stall outlived
// StallTimeout.
func (m *Manager) Sweep() []Transition {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, id := range m.sortedIDsLocked() {
		rec := m.sessions[id]
		if !rec.Status.Participating() {
			continue
		}
		if m.cfg.HeartbeatTimeout > 0 && now.Sub(rec.LastSeen) > m.cfg.HeartbeatTimeout {
			out = append(out, m.transitionLocked(rec, StatusDisconnected, lockstep.ReasonClientTimeout, now))
			continue
		}
		if rec.Status == StatusStalled && m.cfg.StallTimeout > 0 && now.Sub(rec.StalledSince) > m.cfg.StallTimeout {
			out = append(out, m.transitionLocked(rec, StatusDisconnected, lockstep.ReasonClientTimeout, now))
		}
	}
	return out
}

// Forget drops a disconnected session and its reconnect token.
func (m *Manager) Forget(id lockstep.ClientID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.Status.Participating() {
		return false
	}
	delete(m.tokens, rec.Token)
	delete(m.sessions, id)
	return true
}

func (m *Manager) transitionLocked(rec *record, to Status, reason string, now time.Time) Transition {
	t := Transition{ID: rec.ID, From: rec.Status, To: to, Reason: reason, At: now}
	rec.Status = to
	rec.Reason = reason
	return t
}

// Get returns a copy of id's session.
func (m *Manager) Get(id lockstep.ClientID) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.Session, true
}

// Snapshot returns every session ordered by id.
func (m *Manager) Snapshot() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, m.sessions[id].Session)
	}
	return out
}

// Count returns the number of sessions in status.
func (m *Manager) Count(status Status) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.sessions {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Required lists the sessions whose submission closes tick early: Active
// sessions admitted at or before tick.
func (m *Manager) Required(tick lockstep.Tick) []lockstep.ClientID {
	return m.filter(func(rec *record) bool {
		return rec.Status == StatusActive && rec.JoinTick <= tick
	})
}

// Expected lists the sessions owed a default command when they miss tick.
func (m *Manager) Expected(tick lockstep.Tick) []lockstep.ClientID {
	return m.filter(func(rec *record) bool {
		return (rec.Status == StatusActive || rec.Status == StatusStalled) && rec.JoinTick <= tick
	})
}

// Recipients lists the sessions that receive the broadcast for tick.
func (m *Manager) Recipients(tick lockstep.Tick) []lockstep.ClientID {
	return m.filter(func(rec *record) bool {
		return rec.Status.Participating() && rec.JoinTick <= tick
	})
}

// Eligible reports whether id may contribute commands to tick.
func (m *Manager) Eligible(id lockstep.ClientID, tick lockstep.Tick) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	return ok && rec.Status.Participating() && rec.JoinTick <= tick
}

// Admission returns id's join tick and current input delay.
func (m *Manager) Admission(id lockstep.ClientID) (lockstep.Tick, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok || !rec.Status.Participating() {
		return 0, 0, false
	}
	return rec.JoinTick, rec.InputDelay, true
}

// MaxRTT returns the largest smoothed RTT among Active and Stalled sessions.
func (m *Manager) MaxRTT() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var worst time.Duration
	for _, rec := range m.sessions {
		if rec.Status == StatusActive || rec.Status == StatusStalled {
			worst = max(worst, rec.ObservedRTT)
		}
	}
	return worst
}

func (m *Manager) filter(keep func(*record) bool) []lockstep.ClientID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lockstep.ClientID
	for id, rec := range m.sessions {
		if keep(rec) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) sortedIDsLocked() []lockstep.ClientID {
	ids := make([]lockstep.ClientID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// InputDelay returns id's current horizon in ticks.
func (m *Manager) InputDelay(id lockstep.ClientID) (int, bool) {
	_, d, ok := m.Admission(id)
	return d, ok
}
