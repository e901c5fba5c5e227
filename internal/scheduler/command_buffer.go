package scheduler

import (
	"sync"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/telemetry"
)

const (
	windowOccupancyMetricKey   = "scheduler_window_occupancy"
	commandsAcceptedMetricKey  = "scheduler_commands_accepted_total"
	commandsDuplicateMetricKey = "scheduler_commands_duplicate_total"
	commandsDiscardedMetricKey = "scheduler_commands_discarded_total"
)

// State is the closure state of one tick.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// tickEntry is the partial command set of one open tick. Each entry has its
// own lock so submissions for different ticks never contend.
type tickEntry struct {
	mu        sync.Mutex
	tick      lockstep.Tick
	state     State
	commands  map[lockstep.CommandKey]lockstep.Command
	submitted map[lockstep.ClientID]int
}

func newTickEntry(tick lockstep.Tick) *tickEntry {
	return &tickEntry{
		tick:      tick,
		commands:  make(map[lockstep.CommandKey]lockstep.Command),
		submitted: make(map[lockstep.ClientID]int),
	}
}

// store records cmd. It returns false without error for a duplicate key.
func (e *tickEntry) store(cmd lockstep.Command) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return false, &lockstep.TickError{Err: lockstep.ErrStaleTick, Client: cmd.ClientID, Tick: cmd.Tick, Bound: e.tick + 1}
	}
	key := cmd.Key()
	if _, exists := e.commands[key]; exists {
		return false, nil
	}
	e.commands[key] = cmd.Clone()
	e.submitted[cmd.ClientID]++
	return true, nil
}

func (e *tickEntry) holds(key lockstep.CommandKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return false
	}
	_, exists := e.commands[key]
	return exists
}

func (e *tickEntry) hasAll(ids []lockstep.ClientID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if e.submitted[id] == 0 {
			return false
		}
	}
	return true
}

func (e *tickEntry) discard(id lockstep.ClientID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen || e.submitted[id] == 0 {
		return 0
	}
	removed := 0
	for key := range e.commands {
		if key.ClientID == id {
			delete(e.commands, key)
			removed++
		}
	}
	delete(e.submitted, id)
	return removed
}

// freeze closes the entry exactly once. Commands from clients that are no
// longer eligible are dropped and every expected client without a submission
// receives the default command.
func (e *tickEntry) freeze(expected []lockstep.ClientID, eligible func(lockstep.ClientID) bool) (lockstep.CommandSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return lockstep.CommandSet{}, false
	}
	e.state = StateClosing

	commands := make([]lockstep.Command, 0, len(e.commands)+len(expected))
	for _, cmd := range e.commands {
		if eligible != nil && !eligible(cmd.ClientID) {
			continue
		}
		commands = append(commands, cmd)
	}
	var defaulted []lockstep.ClientID
	for _, id := range expected {
		if e.submitted[id] > 0 {
			continue
		}
		defaulted = append(defaulted, id)
		commands = append(commands, lockstep.DefaultCommand(id, e.tick))
	}
	set := lockstep.NewCommandSet(e.tick, commands, defaulted)

	e.state = StateClosed
	e.commands = nil
	e.submitted = nil
	return set, true
}

func (e *tickEntry) snapshot() (State, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, len(e.commands)
}

// Window is the sliding set of ticks not yet closed. The map lock is only held
// to find, create or retire an entry; command bookkeeping happens under the
// entry's own lock.
type Window struct {
	mu      sync.RWMutex
	entries map[lockstep.Tick]*tickEntry
	head    lockstep.Tick
	metrics telemetry.Metrics
}

// NewWindow returns a window whose oldest open tick is start.
func NewWindow(start lockstep.Tick, metrics telemetry.Metrics) *Window {
	return &Window{
		entries: make(map[lockstep.Tick]*tickEntry),
		head:    start,
		metrics: telemetry.OrNop(metrics),
	}
}

// Head returns the oldest tick that has not closed.
func (w *Window) Head() lockstep.Tick {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.head
}

// Len reports the number of materialized entries.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Inspect reports the state and command count of tick. Ticks below the head
// report StateClosed.
func (w *Window) Inspect(tick lockstep.Tick) (State, int) {
	w.mu.RLock()
	head := w.head
	entry := w.entries[tick]
	w.mu.RUnlock()
	if tick < head {
		return StateClosed, 0
	}
	if entry == nil {
		return StateOpen, 0
	}
	return entry.snapshot()
}

// Stored reports whether an open tick already holds the command identified
// by key. It never materializes an entry.
func (w *Window) Stored(key lockstep.CommandKey) bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	entry := w.entries[key.Tick]
	w.mu.RUnlock()
	return entry != nil && entry.holds(key)
}

// admit returns the entry for tick, creating it when needed.
func (w *Window) admit(tick lockstep.Tick) (*tickEntry, error) {
	w.mu.RLock()
	entry, ok := w.entries[tick]
	head := w.head
	w.mu.RUnlock()
	if ok {
		return entry, nil
	}
	if tick < head {
		return nil, &lockstep.TickError{Err: lockstep.ErrStaleTick, Tick: tick, Bound: head}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if tick < w.head {
		return nil, &lockstep.TickError{Err: lockstep.ErrStaleTick, Tick: tick, Bound: w.head}
	}
	if entry, ok = w.entries[tick]; !ok {
		entry = newTickEntry(tick)
		w.entries[tick] = entry
		w.metrics.Store(windowOccupancyMetricKey, uint64(len(w.entries)))
	}
	return entry, nil
}

// retire removes the closed head entry and advances the head.
func (w *Window) retire(tick lockstep.Tick) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, tick)
	if tick >= w.head {
		w.head = tick + 1
	}
	w.metrics.Store(windowOccupancyMetricKey, uint64(len(w.entries)))
}

// Discard drops every pending command from id and returns how many were
// removed.
func (w *Window) Discard(id lockstep.ClientID) int {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	entries := make([]*tickEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		entries = append(entries, entry)
	}
	w.mu.RUnlock()

	removed := 0
	for _, entry := range entries {
		removed += entry.discard(id)
	}
	if removed > 0 {
		w.metrics.Add(commandsDiscardedMetricKey, uint64(removed))
	}
	return removed
}
