package relay

import (
	"errors"
	"sync"
	"time"

	"lockstep/server/internal/lockstep"
)

// ErrHistoryExpired reports a resend request for a tick no longer retained.
var ErrHistoryExpired = errors.New("broadcast history expired")

// Frame is one encoded broadcast retained for resends.
type Frame struct {
	Tick       lockstep.Tick
	Digest     uint64
	Data       []byte
	RecordedAt time.Time
}

// Eviction describes a frame dropped from the history.
type Eviction struct {
	Tick   lockstep.Tick
	Reason string
}

// RecordResult reports the retention window after a Record call.
type RecordResult struct {
	Size    int
	Oldest  lockstep.Tick
	Newest  lockstep.Tick
	Evicted []Eviction
}

// History keeps a rolling buffer of recent broadcasts, bounded by count and
// optionally by age, so gaps reported by clients can be filled.
type History struct {
	mu        sync.RWMutex
	frames    []Frame
	maxFrames int
	maxAge    time.Duration
	now       func() time.Time
}

// NewHistory constructs a history holding at most capacity frames no older
// than maxAge. A zero maxAge disables age eviction.
func NewHistory(capacity int, maxAge time.Duration) *History {
	if capacity < 0 {
		capacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &History{
		frames:    make([]Frame, 0, capacity),
		maxFrames: capacity,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Record appends frame enforcing retention limits. Frames must be recorded in
// increasing tick order.
func (h *History) Record(frame Frame) RecordResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxFrames == 0 {
		h.frames = h.frames[:0]
		return RecordResult{}
	}

	if frame.RecordedAt.IsZero() {
		frame.RecordedAt = h.now()
	}
	h.frames = append(h.frames, frame)

	var evicted []Eviction
	if h.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-h.maxAge)
		idx := 0
		for idx < len(h.frames)-1 && h.frames[idx].RecordedAt.Before(cutoff) {
			evicted = append(evicted, Eviction{Tick: h.frames[idx].Tick, Reason: "expired"})
			idx++
		}
		if idx > 0 {
			h.frames = append(h.frames[:0], h.frames[idx:]...)
		}
	}

	if len(h.frames) > h.maxFrames {
		overflow := len(h.frames) - h.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, Eviction{Tick: h.frames[i].Tick, Reason: "count"})
		}
		h.frames = append(h.frames[:0], h.frames[overflow:]...)
	}

	result := RecordResult{Size: len(h.frames), Evicted: evicted}
	if len(h.frames) > 0 {
		result.Oldest = h.frames[0].Tick
		result.Newest = h.frames[len(h.frames)-1].Tick
	}
	return result
}

// Since returns every retained frame from tick onward in order. It fails with
// ErrHistoryExpired when tick predates the oldest retained frame.
func (h *History) Since(tick lockstep.Tick) ([]Frame, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.frames) == 0 {
		return nil, nil
	}
	oldest := h.frames[0].Tick
	if tick < oldest {
		return nil, &lockstep.TickError{Err: ErrHistoryExpired, Tick: tick, Bound: oldest}
	}
	offset := int(tick - oldest)
	if offset >= len(h.frames) {
		return nil, nil
	}
	out := make([]Frame, len(h.frames)-offset)
	copy(out, h.frames[offset:])
	return out, nil
}

// Lookup returns the frame for tick.
func (h *History) Lookup(tick lockstep.Tick) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.frames) == 0 || tick < h.frames[0].Tick {
		return Frame{}, false
	}
	offset := int(tick - h.frames[0].Tick)
	if offset >= len(h.frames) {
		return Frame{}, false
	}
	return h.frames[offset], true
}

// Window reports the current retention window.
func (h *History) Window() (size int, oldest, newest lockstep.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	size = len(h.frames)
	if size == 0 {
		return 0, 0, 0
	}
	return size, h.frames[0].Tick, h.frames[size-1].Tick
}
