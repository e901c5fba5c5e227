package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"lockstep/server/internal/delay"
	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/relay"
	"lockstep/server/internal/scheduler"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/transport"
	"lockstep/server/logging"
	loggingLifecycle "lockstep/server/logging/lifecycle"
	loggingLockstep "lockstep/server/logging/lockstep"
	loggingNetwork "lockstep/server/logging/network"
)

const (
	metricKeyPeers            = "hub_peers"
	metricKeyJoinsTotal       = "hub_joins_total"
	metricKeyDisconnectsTotal = "hub_disconnects_total"
	metricKeyDelayAdverts     = "hub_delay_adverts_total"
	metricKeyRTTSeconds       = "hub_rtt_seconds"
	metricKeyMalformedTotal   = "hub_malformed_messages_total"
)

// ErrHandshake reports a connection that did not open with a valid hello.
var ErrHandshake = errors.New("handshake failed")

// errPeerPending marks a session whose connection is not registered yet. The
// catch-up resend after registration covers what it missed.
var errPeerPending = errors.New("peer not registered")

// Hub composes the lockstep engine: sessions, the tick scheduler, the relay
// and submission intake. It owns one peer connection per client.
type Hub struct {
	cfg       HubConfig
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	clock     logging.Clock
	publisher logging.Publisher
	tracer    trace.Tracer
	recorder  ClosureRecorder

	sessions *session.Manager
	sched    *scheduler.Scheduler
	relay    *relay.Broadcaster
	history  *relay.History
	limiter  *intake.Limiter

	mu    sync.RWMutex
	peers map[lockstep.ClientID]*peer

	stateMu  sync.Mutex
	simState string
}

// NewHubWithConfig wires a hub. A nil publisher discards structured events.
func NewHubWithConfig(cfg HubConfig, pub logging.Publisher) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.DiscardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("lockstep/server")
	}
	if cfg.MinClients < 1 {
		cfg.MinClients = 1
	}
	if cfg.Session.Delay.TickInterval <= 0 {
		cfg.Session.Delay.TickInterval = cfg.Scheduler.TickInterval()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}

	h := &Hub{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   telemetry.OrNop(cfg.Metrics),
		clock:     cfg.Clock,
		publisher: pub,
		tracer:    cfg.Tracer,
		recorder:  cfg.Recorder,
		peers:     make(map[lockstep.ClientID]*peer),
		simState:  proto.StateWaiting,
	}
	h.sessions = session.NewManager(cfg.Session, cfg.Clock)
	h.sched = scheduler.New(cfg.Scheduler, h.sessions, scheduler.Hooks{OnClose: h.onClose}, scheduler.Deps{
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: h.metrics,
	})
	h.history = relay.NewHistory(cfg.HistorySize, cfg.HistoryMaxAge)
	h.relay = relay.NewBroadcaster(relay.Deps{
		Sender:     h,
		Recipients: h.sessions,
		Encode:     proto.EncodeTick,
		History:    h.history,
		Logger:     cfg.Logger,
		Metrics:    h.metrics,
	})
	h.limiter = intake.NewLimiter(cfg.Submit, cfg.Clock.Now)
	return h
}

// Sessions exposes the lifecycle manager.
func (h *Hub) Sessions() *session.Manager {
	return h.sessions
}

// Scheduler exposes the tick scheduler.
func (h *Hub) Scheduler() *scheduler.Scheduler {
	return h.sched
}

// Run drives tick closure and the heartbeat loop until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.sched.Run(gctx)
	})
	g.Go(func() error {
		return h.runHeartbeats(gctx)
	})
	err := g.Wait()
	h.closeAll(proto.ReasonServerShutdown)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Hub) runHeartbeats(ctx context.Context) error {
	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.SendHeartbeats()
			h.Sweep()
		}
	}
}

// Poll closes every tick due at now. Run calls this through the scheduler
// loop; tests call it directly with a manual clock.
func (h *Hub) Poll(now time.Time) []scheduler.Closure {
	return h.sched.Poll(now)
}

// SendHeartbeats pings every peer with the newest closed tick and the current
// time. Clients echo the timestamp in their ack.
func (h *Hub) SendHeartbeats() {
	last, _ := h.sched.LastClosed()
	data, err := proto.EncodeHeartbeat(proto.Heartbeat{Tick: uint64(last), SentAt: h.clock.Now().UnixMilli()})
	if err != nil {
		h.logger.Printf("[hub] failed to encode heartbeat: %v", err)
		return
	}
	for _, p := range h.snapshotPeers() {
		h.deliver(p, data)
	}
}

// Sweep applies heartbeat and stall timeouts.
func (h *Hub) Sweep() {
	for _, tr := range h.sessions.Sweep() {
		h.noteTransition(tr)
	}
	h.limiter.EvictIdle(time.Minute)
}

// Send implements relay.Sender.
func (h *Hub) Send(id lockstep.ClientID, frame []byte) error {
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, errPeerPending)
	}
	return p.send(frame)
}

// deliver queues data for p and drops p once its writer has fallen behind.
func (h *Hub) deliver(p *peer, data []byte) {
	if err := p.send(data); errors.Is(err, errPeerBacklog) {
		h.logger.Printf("[hub] %s is not draining its connection", p.id)
		h.dropPeer(p, proto.ReasonSlowConsumer)
	}
}

func (h *Hub) snapshotPeers() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// ServeConn runs one client connection: the hello handshake, then the read
// loop until the connection fails, the client leaves or ctx ends.
func (h *Hub) ServeConn(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	p, err := h.handshake(ctx, conn)
	if err != nil {
		return err
	}

	reason := h.readLoop(ctx, p)
	h.release(p, reason)
	return nil
}

func (h *Hub) handshake(ctx context.Context, conn transport.Conn) (*peer, error) {
	hctx := ctx
	if h.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		defer cancel()
	}
	raw, err := conn.Receive(hctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	msg, err := proto.DecodeClientMessage(raw)
	if err != nil || msg.Type != proto.TypeHello {
		h.refuse(conn, proto.ReasonInvalidMessage)
		return nil, fmt.Errorf("%w: expected hello", ErrHandshake)
	}

	joinTick := h.sched.Head()
	sess, rejoined, err := h.sessions.Join(session.JoinRequest{
		ClientID: lockstep.ClientID(msg.ClientID),
		Token:    msg.Token,
	}, joinTick)
	if err != nil {
		h.refuse(conn, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	welcome, err := proto.EncodeWelcome(proto.Welcome{
		ClientID:   uint64(sess.ID),
		Token:      sess.Token,
		JoinTick:   uint64(sess.JoinTick),
		InputDelay: sess.InputDelay,
		TickRate:   h.sched.Config().TickRate,
		Rejoined:   rejoined,
	})
	if err == nil {
		err = conn.Send(welcome)
	}
	if err != nil {
		h.sessions.Disconnect(sess.ID, lockstep.ReasonDisconnected)
		conn.Close()
		return nil, fmt.Errorf("%w: send welcome: %v", ErrHandshake, err)
	}

	p := newPeer(sess.ID, conn, h.cfg.PeerQueueDepth)
	go p.writeLoop()
	h.mu.Lock()
	previous := h.peers[sess.ID]
	h.peers[sess.ID] = p
	count := len(h.peers)
	h.mu.Unlock()
	if previous != nil {
		previous.shutdown(nil)
	}
	h.metrics.Store(metricKeyPeers, uint64(count))
	h.metrics.Add(metricKeyJoinsTotal, 1)

	// Ticks from the join tick that closed before the peer was registered
	// are replayed from history.
	if last, ok := h.relay.Last(); ok && last >= sess.JoinTick {
		if _, err := h.relay.Resend(sess.ID, sess.JoinTick); err != nil {
			h.logger.Printf("[hub] catch-up resend for %s failed: %v", sess.ID, err)
		}
	}

	loggingLifecycle.ClientJoined(ctx, h.publisher, uint64(joinTick), logging.ClientRef(sess.ID.String()), loggingLifecycle.ClientJoinedPayload{
		JoinTick:   uint64(sess.JoinTick),
		InputDelay: sess.InputDelay,
		Rejoined:   rejoined,
	}, nil)
	h.logger.Printf("[hub] %s joined at tick %d delay=%d rejoined=%t", sess.ID, sess.JoinTick, sess.InputDelay, rejoined)

	if !h.updateState() {
		h.sendState(p)
	}
	return p, nil
}

func (h *Hub) refuse(conn transport.Conn, reason string) {
	if data, err := proto.EncodeDisconnect(proto.Disconnect{Reason: reason}); err == nil {
		conn.Send(data)
	}
	conn.Close()
}

func (h *Hub) readLoop(ctx context.Context, p *peer) string {
	for {
		raw, err := p.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return proto.ReasonServerShutdown
			}
			return lockstep.ReasonDisconnected
		}
		msg, err := proto.DecodeClientMessage(raw)
		if err != nil {
			h.metrics.Add(metricKeyMalformedTotal, 1)
			h.logger.Printf("[hub] discarding malformed message from %s: %v", p.id, err)
			continue
		}

		switch msg.Type {
		case proto.TypeCommandSubmit:
			h.handleSubmit(ctx, p, msg)
		case proto.TypeAck:
			h.handleAck(ctx, p, msg)
		case proto.TypeHeartbeat:
			h.sessions.Touch(p.id)
		case proto.TypeReady:
			if h.sessions.MarkReady(p.id) {
				h.updateState()
			}
		case proto.TypeResendRequest:
			if !h.handleResend(ctx, p, lockstep.Tick(msg.From)) {
				return lockstep.ReasonDesyncRisk
			}
		case proto.TypeDisconnect:
			return proto.ReasonClientLeft
		case proto.TypeHello:
			h.logger.Printf("[hub] ignoring repeated hello from %s", p.id)
		default:
			h.metrics.Add(metricKeyMalformedTotal, 1)
			h.logger.Printf("[hub] unknown message type %q from %s", msg.Type, p.id)
		}
	}
}

func (h *Hub) handleSubmit(ctx context.Context, p *peer, msg proto.ClientMessage) {
	cmd, stored, err := intake.StageCommandSubmit(intake.CommandContext{
		Scheduler:       h.sched,
		Limiter:         h.limiter,
		MaxPayloadBytes: h.cfg.MaxPayloadBytes,
	}, p.id, msg)
	if err != nil {
		reason := intake.Reason(err)
		reject := proto.CommandReject{Tick: msg.Tick, Seq: msg.Seq, Reason: reason}
		var tickErr *lockstep.TickError
		if errors.As(err, &tickErr) {
			reject.Bound = uint64(tickErr.Bound)
		}
		loggingLockstep.CommandRejected(ctx, h.publisher, msg.Tick, logging.ClientRef(p.id.String()), loggingLockstep.CommandRejectedPayload{
			Tick:     msg.Tick,
			Sequence: msg.Seq,
			Reason:   reason,
			Bound:    reject.Bound,
		}, nil)
		if data, encErr := proto.EncodeCommandReject(reject); encErr == nil {
			h.deliver(p, data)
		}
		return
	}
	if !stored {
		h.sessions.Touch(p.id)
		return
	}
	if tr, changed := h.sessions.MarkSubmitted(cmd.ClientID); changed {
		h.noteTransition(tr)
	}
}

func (h *Hub) handleAck(ctx context.Context, p *peer, msg proto.ClientMessage) {
	previous, hadPrevious, ok := h.sessions.Ack(p.id, lockstep.Tick(msg.Tick))
	if !ok {
		return
	}
	payload := loggingNetwork.AckPayload{Previous: uint64(previous), Ack: msg.Tick}
	if msg.Echo > 0 {
		rtt := h.clock.Now().Sub(time.UnixMilli(msg.Echo))
		if rtt >= 0 {
			payload.RTTMS = float64(rtt) / float64(time.Millisecond)
			h.metrics.Observe(metricKeyRTTSeconds, rtt.Seconds())
			if change, changed := h.sessions.ObserveRTT(p.id, rtt); changed {
				h.advertiseDelay(ctx, p.id, change)
			}
		}
	}
	if hadPrevious && lockstep.Tick(msg.Tick) < previous {
		loggingNetwork.AckRegression(ctx, h.publisher, msg.Tick, logging.ClientRef(p.id.String()), payload, nil)
		return
	}
	loggingNetwork.AckAdvanced(ctx, h.publisher, msg.Tick, logging.ClientRef(p.id.String()), payload, nil)
}

// handleResend replays history to p. It reports false when the request can no
// longer be served and the peer must be dropped.
func (h *Hub) handleResend(ctx context.Context, p *peer, from lockstep.Tick) bool {
	h.sessions.Touch(p.id)
	sent, err := h.relay.Resend(p.id, from)
	if err == nil {
		loggingNetwork.ResendServed(ctx, h.publisher, uint64(from), logging.ClientRef(p.id.String()), loggingNetwork.ResendPayload{
			From:  uint64(from),
			Count: sent,
		}, nil)
		return true
	}
	if !errors.Is(err, relay.ErrHistoryExpired) {
		h.logger.Printf("[hub] resend to %s failed: %v", p.id, err)
		return true
	}
	_, oldest, _ := h.history.Window()
	loggingLockstep.DesyncRisk(ctx, h.publisher, uint64(from), logging.ClientRef(p.id.String()), loggingLockstep.DesyncRiskPayload{
		Expected: uint64(from),
		Detail:   fmt.Sprintf("history starts at tick %d", oldest),
	}, nil)
	h.logger.Printf("[hub] %s requested tick %d beyond history (oldest %d)", p.id, from, oldest)
	return false
}

func (h *Hub) advertiseDelay(ctx context.Context, id lockstep.ClientID, change delay.Change) {
	sess, ok := h.sessions.Get(id)
	if !ok {
		return
	}
	head := h.sched.Head()
	loggingNetwork.DelayAdvertised(ctx, h.publisher, uint64(head), logging.ClientRef(id.String()), loggingNetwork.DelayPayload{
		Previous:    change.Previous,
		Current:     change.Current,
		SmoothedRTT: float64(sess.ObservedRTT) / float64(time.Millisecond),
		Cause:       string(change.Cause),
	}, nil)
	data, err := proto.EncodeDelayAdvert(proto.DelayAdvert{InputDelay: change.Current, Tick: uint64(head)})
	if err != nil {
		return
	}
	h.metrics.Add(metricKeyDelayAdverts, 1)
	if err := h.Send(id, data); err != nil {
		h.logger.Printf("[hub] delay advert to %s failed: %v", id, err)
		if errors.Is(err, errPeerBacklog) {
			h.dropClient(id, proto.ReasonSlowConsumer)
		}
	}
}

// readyToStart reports whether tick 0 may open: at least MinClients sessions
// are Active and every connected session reported ready.
func (h *Hub) readyToStart(ready, connected int) bool {
	return connected >= h.cfg.MinClients &&
		ready == connected &&
		h.sessions.Count(session.StatusActive) >= h.cfg.MinClients
}

// updateState recomputes the match phase, starting the scheduler when the
// match becomes ready, and announces a change to every peer. It reports
// whether the phase changed.
func (h *Hub) updateState() bool {
	h.stateMu.Lock()
	prev := h.simState
	if prev == proto.StateEnding {
		h.stateMu.Unlock()
		return false
	}
	ready, connected := h.sessions.Readiness()
	next := prev
	start := false
	switch {
	case !h.sched.Started():
		switch {
		case h.readyToStart(ready, connected):
			next, start = proto.StateRunning, true
		case connected >= h.cfg.MinClients:
			next = proto.StateSetup
		default:
			next = proto.StateWaiting
		}
	case h.sessions.Count(session.StatusActive)+h.sessions.Count(session.StatusStalled) == 0:
		next = proto.StatePaused
	default:
		next = proto.StateRunning
	}
	if next == prev {
		h.stateMu.Unlock()
		return false
	}
	h.simState = next
	// Announce before starting so running precedes the first tick.
	lagging := h.announce(next)
	if start && h.sched.Start(h.clock.Now()) {
		h.logger.Printf("[hub] %d clients ready, starting at tick %d", connected, h.sched.Head())
	}
	h.stateMu.Unlock()

	loggingLifecycle.SimulationStateChanged(context.Background(), h.publisher, uint64(h.sched.Head()), loggingLifecycle.SimulationStateChangedPayload{
		From:      prev,
		To:        next,
		Ready:     ready,
		Connected: connected,
	}, nil)
	h.logger.Printf("[hub] simulation %s -> %s (%d/%d ready)", prev, next, ready, connected)
	for _, p := range lagging {
		h.dropPeer(p, proto.ReasonSlowConsumer)
	}
	return true
}

// announce queues state for every peer and returns the peers whose queue was
// full.
func (h *Hub) announce(state string) []*peer {
	data, err := proto.EncodeSimulationState(proto.SimulationState{State: state, Tick: uint64(h.sched.Head())})
	if err != nil {
		h.logger.Printf("[hub] failed to encode simulation state: %v", err)
		return nil
	}
	var lagging []*peer
	for _, p := range h.snapshotPeers() {
		if err := p.send(data); errors.Is(err, errPeerBacklog) {
			lagging = append(lagging, p)
		}
	}
	return lagging
}

// sendState tells p the current phase.
func (h *Hub) sendState(p *peer) {
	state := h.State()
	data, err := proto.EncodeSimulationState(proto.SimulationState{State: state, Tick: uint64(h.sched.Head())})
	if err != nil {
		return
	}
	h.deliver(p, data)
}

// State returns the current match phase.
func (h *Hub) State() string {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.simState
}

// onClose runs for every closed tick in order.
func (h *Hub) onClose(c scheduler.Closure) {
	ctx := context.Background()
	set := c.Set
	ctx, span := h.tracer.Start(ctx, "lockstep.tick_close",
		trace.WithTimestamp(c.OpenedAt),
		trace.WithAttributes(
			attribute.Int64("lockstep.tick", int64(set.Tick)),
			attribute.Int("lockstep.commands", len(set.Commands)),
			attribute.Int("lockstep.defaulted", len(set.Defaulted)),
			attribute.String("lockstep.reason", string(c.Reason)),
		),
	)
	defer span.End(trace.WithTimestamp(c.ClosedAt))

	report, err := h.relay.Broadcast(set)
	if err != nil {
		span.RecordError(err)
		h.logger.Printf("[hub] broadcast of tick %d refused: %v", set.Tick, err)
		return
	}
	for id, sendErr := range report.Failed {
		if errors.Is(sendErr, errPeerPending) || errors.Is(sendErr, errPeerClosed) {
			continue
		}
		h.logger.Printf("[hub] broadcast of tick %d to %s failed: %v", set.Tick, id, sendErr)
		reason := lockstep.ReasonDisconnected
		if errors.Is(sendErr, errPeerBacklog) {
			reason = proto.ReasonSlowConsumer
		}
		h.dropClient(id, reason)
	}
	span.SetAttributes(attribute.Int("lockstep.recipients", len(report.Delivered)))

	if h.recorder != nil {
		h.recorder.Record(c)
	}

	var extra map[string]any
	if sc := span.SpanContext(); sc.HasTraceID() {
		extra = map[string]any{"traceId": sc.TraceID().String()}
	}
	loggingLockstep.TickClosed(ctx, h.publisher, uint64(set.Tick), loggingLockstep.TickClosedPayload{
		Commands:  len(set.Commands),
		Defaulted: len(set.Defaulted),
		Reason:    string(c.Reason),
		WaitedMS:  float64(c.Waited()) / float64(time.Millisecond),
		Digest:    report.Digest,
	}, extra)

	if len(set.Defaulted) == 0 {
		return
	}
	if c.Reason == scheduler.ClosedDeadline {
		missing := make([]string, len(set.Defaulted))
		targets := make([]logging.EntityRef, len(set.Defaulted))
		for i, id := range set.Defaulted {
			missing[i] = id.String()
			targets[i] = logging.ClientRef(id.String())
		}
		loggingLockstep.DeadlineClosure(ctx, h.publisher, uint64(set.Tick), targets, loggingLockstep.DeadlineClosurePayload{
			Missing:    missing,
			DeadlineMS: float64(c.Deadline) / float64(time.Millisecond),
		}, extra)
	}
	for _, id := range set.Defaulted {
		if tr, changed := h.sessions.RecordMiss(id); changed {
			h.noteTransition(tr)
		}
		if change, changed := h.sessions.NoteDeadlineMiss(id); changed {
			h.advertiseDelay(ctx, id, change)
		}
	}
}

// noteTransition logs a status change, tears down disconnected sessions and
// re-evaluates the match phase.
func (h *Hub) noteTransition(tr session.Transition) {
	ctx := context.Background()
	tick := uint64(h.sched.Head())
	loggingLifecycle.ClientStatusChanged(ctx, h.publisher, tick, logging.ClientRef(tr.ID.String()), loggingLifecycle.ClientStatusChangedPayload{
		From:   tr.From.String(),
		To:     tr.To.String(),
		Reason: tr.Reason,
	}, nil)
	if tr.To == session.StatusDisconnected {
		h.dropClient(tr.ID, tr.Reason)
	}
	h.updateState()
}

// dropClient sends a disconnect to id and closes its connection. The read
// loop observes the closed connection and releases the session.
func (h *Hub) dropClient(id lockstep.ClientID, reason string) {
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	if !ok {
		h.sessions.Disconnect(id, reason)
		h.sched.Discard(id)
		return
	}
	h.dropPeer(p, reason)
}

// dropPeer queues a disconnect for p and shuts its writer down.
func (h *Hub) dropPeer(p *peer, reason string) {
	if _, changed := h.sessions.Disconnect(p.id, reason); changed {
		h.sched.Discard(p.id)
	}
	var final []byte
	if data, err := proto.EncodeDisconnect(proto.Disconnect{ClientID: uint64(p.id), Reason: reason}); err == nil {
		final = data
	}
	p.shutdown(final)
}

// release unregisters p after its read loop ended.
func (h *Hub) release(p *peer, reason string) {
	h.mu.Lock()
	owned := h.peers[p.id] == p
	if owned {
		delete(h.peers, p.id)
	}
	count := len(h.peers)
	h.mu.Unlock()
	var final []byte
	if owned && reason != lockstep.ReasonDisconnected {
		if data, err := proto.EncodeDisconnect(proto.Disconnect{ClientID: uint64(p.id), Reason: reason}); err == nil {
			final = data
		}
	}
	p.shutdown(final)
	if !owned {
		// A reconnect with the session token took over.
		return
	}

	h.metrics.Store(metricKeyPeers, uint64(count))
	h.metrics.Add(metricKeyDisconnectsTotal, 1)
	h.limiter.Forget(p.id)
	if tr, changed := h.sessions.Disconnect(p.id, reason); changed {
		h.sched.Discard(p.id)
		loggingLifecycle.ClientStatusChanged(context.Background(), h.publisher, uint64(h.sched.Head()), logging.ClientRef(p.id.String()), loggingLifecycle.ClientStatusChangedPayload{
			From:   tr.From.String(),
			To:     tr.To.String(),
			Reason: tr.Reason,
		}, nil)
	}
	if sess, ok := h.sessions.Get(p.id); ok {
		reason = sess.Reason
	}
	loggingLifecycle.ClientDisconnected(context.Background(), h.publisher, uint64(h.sched.Head()), logging.ClientRef(p.id.String()), loggingLifecycle.ClientDisconnectedPayload{
		Reason: reason,
	}, nil)
	h.logger.Printf("[hub] %s disconnected: %s", p.id, reason)
	h.updateState()
	h.sched.Kick()
}

// closeAll announces the end of the match and disconnects every peer.
func (h *Hub) closeAll(reason string) {
	h.stateMu.Lock()
	prev := h.simState
	h.simState = proto.StateEnding
	h.announce(proto.StateEnding)
	h.stateMu.Unlock()
	if prev != proto.StateEnding {
		loggingLifecycle.SimulationStateChanged(context.Background(), h.publisher, uint64(h.sched.Head()), loggingLifecycle.SimulationStateChangedPayload{
			From: prev,
			To:   proto.StateEnding,
		}, nil)
	}
	for _, p := range h.snapshotPeers() {
		var final []byte
		if data, err := proto.EncodeDisconnect(proto.Disconnect{ClientID: uint64(p.id), Reason: reason}); err == nil {
			final = data
		}
		p.shutdown(final)
	}
}

// Diagnostics is a point-in-time view of the engine.
type Diagnostics struct {
	State      string            `json:"state"`
	Started    bool              `json:"started"`
	Head       lockstep.Tick     `json:"head"`
	LastClosed lockstep.Tick     `json:"lastClosed"`
	HasClosed  bool              `json:"hasClosed"`
	Pending    int               `json:"pending"`
	Peers      int               `json:"peers"`
	Sessions   []session.Session `json:"sessions"`
	Relay      relay.Stats       `json:"relay"`
}

// Diagnostics snapshots the hub.
func (h *Hub) Diagnostics() Diagnostics {
	last, hasClosed := h.sched.LastClosed()
	h.mu.RLock()
	peers := len(h.peers)
	h.mu.RUnlock()
	return Diagnostics{
		State:      h.State(),
		Started:    h.sched.Started(),
		Head:       h.sched.Head(),
		LastClosed: last,
		HasClosed:  hasClosed,
		Pending:    h.sched.Window().Len(),
		Peers:      peers,
		Sessions:   h.sessions.Snapshot(),
		Relay:      h.relay.Stats(),
	}
}
