// Package relay delivers closed command sets to every participating client and
// retains recent broadcasts so lost deliveries can be replayed.
package relay

import (
	"fmt"
	"sync"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/telemetry"
)

//go:generate mockgen -destination=mocks/sender.go -package=mocks lockstep/server/internal/relay Sender

const (
	broadcastsMetricKey     = "relay_broadcasts_total"
	bytesSentMetricKey      = "relay_bytes_sent_total"
	sendFailuresMetricKey   = "relay_send_failures_total"
	resendFramesMetricKey   = "relay_resend_frames_total"
	historyExpiredMetricKey = "relay_history_expired_total"
	historySizeMetricKey    = "relay_history_size"
)

// Sender delivers one encoded frame to one peer.
type Sender interface {
	Send(peer lockstep.ClientID, frame []byte) error
}

// Recipients lists the peers owed the broadcast for a tick.
type Recipients interface {
	Recipients(tick lockstep.Tick) []lockstep.ClientID
}

// Encoder turns a closed set into its wire frame.
type Encoder func(lockstep.CommandSet) ([]byte, error)

// Report summarizes one broadcast.
type Report struct {
	Tick      lockstep.Tick
	Digest    uint64
	Bytes     int
	Delivered []lockstep.ClientID
	Failed    map[lockstep.ClientID]error
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Broadcasts    uint64        `json:"broadcasts"`
	BytesSent     uint64        `json:"bytesSent"`
	LastTick      lockstep.Tick `json:"lastTick"`
	HasBroadcast  bool          `json:"hasBroadcast"`
	HistorySize   int           `json:"historySize"`
	HistoryOldest lockstep.Tick `json:"historyOldest"`
	HistoryNewest lockstep.Tick `json:"historyNewest"`
}

// Deps carries the broadcaster's collaborators.
type Deps struct {
	Sender     Sender
	Recipients Recipients
	Encode     Encoder
	History    *History
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
}

// Broadcaster fans closed command sets out in strictly increasing, gapless
// tick order.
type Broadcaster struct {
	sender     Sender
	recipients Recipients
	encode     Encoder
	history    *History
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	mu         sync.Mutex
	last       lockstep.Tick
	hasLast    bool
	broadcasts uint64
	bytesSent  uint64
}

// NewBroadcaster wires a broadcaster. Sender, Recipients and Encode are
// required.
func NewBroadcaster(deps Deps) *Broadcaster {
	if deps.Logger == nil {
		deps.Logger = telemetry.DiscardLogger()
	}
	if deps.History == nil {
		deps.History = NewHistory(0, 0)
	}
	return &Broadcaster{
		sender:     deps.Sender,
		recipients: deps.Recipients,
		encode:     deps.Encode,
		history:    deps.History,
		logger:     deps.Logger,
		metrics:    telemetry.OrNop(deps.Metrics),
	}
}

// Broadcast sends set to every recipient of its tick, the submitting clients
// included. A set that does not directly follow the previous broadcast is
// refused with ErrOutOfOrder. Per-peer send failures are reported but do not
// fail the broadcast; those peers recover through Resend.
func (b *Broadcaster) Broadcast(set lockstep.CommandSet) (Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasLast && set.Tick != b.last+1 {
		return Report{}, &lockstep.TickError{Err: lockstep.ErrOutOfOrder, Tick: set.Tick, Bound: b.last + 1, Duplicate: set.Tick <= b.last}
	}

	frame, err := b.encode(set)
	if err != nil {
		return Report{}, fmt.Errorf("encode tick %d: %w", set.Tick, err)
	}
	digest := set.Digest()
	result := b.history.Record(Frame{Tick: set.Tick, Digest: digest, Data: frame})
	b.metrics.Store(historySizeMetricKey, uint64(result.Size))

	b.last = set.Tick
	b.hasLast = true
	b.broadcasts++
	b.metrics.Add(broadcastsMetricKey, 1)

	report := Report{Tick: set.Tick, Digest: digest}
	for _, peer := range b.recipients.Recipients(set.Tick) {
		if err := b.sender.Send(peer, frame); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[lockstep.ClientID]error)
			}
			report.Failed[peer] = err
			b.metrics.Add(sendFailuresMetricKey, 1)
			continue
		}
		report.Delivered = append(report.Delivered, peer)
		report.Bytes += len(frame)
	}
	b.bytesSent += uint64(report.Bytes)
	b.metrics.Add(bytesSentMetricKey, uint64(report.Bytes))
	return report, nil
}

// Resend replays every retained broadcast from tick onward to peer and returns
// the number of frames sent.
func (b *Broadcaster) Resend(peer lockstep.ClientID, from lockstep.Tick) (int, error) {
	frames, err := b.history.Since(from)
	if err != nil {
		b.metrics.Add(historyExpiredMetricKey, 1)
		return 0, err
	}
	sent := 0
	for _, frame := range frames {
		if err := b.sender.Send(peer, frame.Data); err != nil {
			b.metrics.Add(sendFailuresMetricKey, 1)
			return sent, fmt.Errorf("resend tick %d to %s: %w", frame.Tick, peer, err)
		}
		sent++
		b.mu.Lock()
		b.bytesSent += uint64(len(frame.Data))
		b.mu.Unlock()
		b.metrics.Add(bytesSentMetricKey, uint64(len(frame.Data)))
	}
	b.metrics.Add(resendFramesMetricKey, uint64(sent))
	return sent, nil
}

// Last returns the newest broadcast tick.
func (b *Broadcaster) Last() (lockstep.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Stats reports counters and the retention window.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	stats := Stats{
		Broadcasts:   b.broadcasts,
		BytesSent:    b.bytesSent,
		LastTick:     b.last,
		HasBroadcast: b.hasLast,
	}
	b.mu.Unlock()
	stats.HistorySize, stats.HistoryOldest, stats.HistoryNewest = b.history.Window()
	return stats
}
