package intake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/proto"
)

// RejectError is a refusal decided before the command reaches the scheduler.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "command rejected: " + e.Reason
	}
	return fmt.Sprintf("command rejected: %s (%s)", e.Reason, e.Detail)
}

// Reason maps a staging error to its wire reject reason.
func Reason(err error) string {
	var reject *RejectError
	if errors.As(err, &reject) {
		return reject.Reason
	}
	return lockstep.Reason(err)
}

// Submitter stores accepted commands.
type Submitter interface {
	Submit(cmd lockstep.Command) (bool, error)
	Stored(key lockstep.CommandKey) bool
}

// CommandContext carries the collaborators used to stage a submission.
type CommandContext struct {
	Scheduler       Submitter
	Limiter         *Limiter
	MaxPayloadBytes int
}

// StageCommandSubmit validates msg from sender and hands it to the scheduler.
// It returns false with a nil error for a duplicate resubmission.
func StageCommandSubmit(ctx CommandContext, sender lockstep.ClientID, msg proto.ClientMessage) (lockstep.Command, bool, error) {
	var zero lockstep.Command

	cmd, ok := proto.Command(sender, msg)
	if !ok {
		return zero, false, &RejectError{Reason: proto.ReasonInvalidMessage, Detail: msg.Type}
	}
	if ctx.MaxPayloadBytes > 0 && len(cmd.Payload) > ctx.MaxPayloadBytes {
		return zero, false, &RejectError{
			Reason: proto.ReasonPayloadTooLarge,
			Detail: fmt.Sprintf("%d bytes > %d", len(cmd.Payload), ctx.MaxPayloadBytes),
		}
	}
	if ctx.Scheduler == nil {
		return zero, false, &RejectError{Reason: lockstep.ReasonInternal, Detail: "no scheduler"}
	}
	// Resubmissions of stored commands are acknowledged without spending a
	// token.
	if ctx.Scheduler.Stored(cmd.Key()) {
		return cmd, false, nil
	}
	if ctx.Limiter != nil && !ctx.Limiter.Allow(sender) {
		return zero, false, &RejectError{Reason: proto.ReasonRateLimited}
	}

	stored, err := ctx.Scheduler.Submit(cmd)
	if err != nil {
		return zero, false, err
	}
	return cmd, stored, nil
}

// Limits configures per-client submission throttling.
type Limits struct {
	// Rate is the sustained number of submissions per second per client.
	// Zero disables throttling.
	Rate float64
	// Burst is the number of submissions a client may send back to back.
	Burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client.
type Limiter struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	limiters map[lockstep.ClientID]*limiterEntry
}

// NewLimiter returns a limiter applying limits. A nil now uses time.Now.
func NewLimiter(limits Limits, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	return &Limiter{
		limits:   limits,
		now:      now,
		limiters: make(map[lockstep.ClientID]*limiterEntry),
	}
}

// Allow consumes one token for id.
func (l *Limiter) Allow(id lockstep.ClientID) bool {
	if l == nil || l.limits.Rate <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[id]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.limits.Rate), l.limits.Burst)}
		l.limiters[id] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Forget drops id's bucket.
func (l *Limiter) Forget(id lockstep.ClientID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, id)
	l.mu.Unlock()
}

// EvictIdle drops buckets unused for longer than ttl and returns how many
// were removed.
func (l *Limiter) EvictIdle(ttl time.Duration) int {
	if l == nil {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > ttl {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
