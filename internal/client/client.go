// Package client runs the participant side of the lockstep protocol: the
// handshake, scheduling of local input ahead of the server, the mirrored
// command buffer and feeding received command sets through an execution gate.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lockstep/server/internal/gate"
	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/transport"
	"lockstep/server/logging"
)

// ErrUnexpectedMessage reports a handshake that did not answer with welcome.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Config tunes the client runtime.
type Config struct {
	// ClientID requests a specific id. Zero lets the server assign one.
	ClientID uint64
	// Token reclaims a previous session.
	Token string
	// MaxCommandsPerTick bounds how many queued inputs share one tick.
	MaxCommandsPerTick int
	// ResendInterval throttles repeated resend requests for the same gap.
	ResendInterval time.Duration
	// ReadyOnConnect reports ready right after the handshake. Clients that
	// load assets first leave it unset and call Ready themselves.
	ReadyOnConnect bool
	Gate           gate.Config

	Logger telemetry.Logger
	Clock  logging.Clock
}

// DefaultConfig returns the settings used by the bot.
func DefaultConfig() Config {
	return Config{
		MaxCommandsPerTick: 1,
		ResendInterval:     250 * time.Millisecond,
		ReadyOnConnect:     true,
		Gate:               gate.DefaultConfig(),
	}
}

// Stats counts protocol events seen by the client.
type Stats struct {
	Submitted        uint64
	Resubmitted      uint64
	Received         uint64
	Duplicates       uint64
	ResendRequests   uint64
	Overridden       uint64
	DigestMismatches uint64
	Rejected         map[string]uint64
	InputDelay       int
	LastReceived     lockstep.Tick
	HasReceived      bool
	SimulationState  string
}

// Client is one connected participant. Run must be active for broadcasts to
// reach the gate; Pump and Step are called from the local frame loop.
type Client struct {
	conn    transport.Conn
	cfg     Config
	logger  telemetry.Logger
	clock   logging.Clock
	welcome proto.Welcome
	gate    *gate.Gate

	mu           sync.Mutex
	inputDelay   int
	nextSubmit   lockstep.Tick
	lastReceived lockstep.Tick
	hasReceived  bool
	queue        [][]byte
	mirror       map[lockstep.Tick][]proto.CommandSubmit
	resendFrom   lockstep.Tick
	resendAt     time.Time
	simState     string
	stats        Stats
}

// Connect performs the handshake over conn and returns a client whose gate
// starts at the granted join tick.
func Connect(ctx context.Context, conn transport.Conn, sim gate.Simulation, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.DiscardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock
	}
	if cfg.MaxCommandsPerTick < 1 {
		cfg.MaxCommandsPerTick = 1
	}

	hello, err := proto.EncodeHello(proto.Hello{ClientID: cfg.ClientID, Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	raw, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	msg, err := proto.DecodeServerMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	if msg.Type == proto.TypeDisconnect {
		return nil, fmt.Errorf("%w: %s", lockstep.ErrDisconnected, msg.Reason)
	}
	welcome, ok := msg.Welcome()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
	}

	c := &Client{
		conn:       conn,
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		welcome:    welcome,
		inputDelay: welcome.InputDelay,
		nextSubmit: lockstep.Tick(welcome.JoinTick),
		mirror:     make(map[lockstep.Tick][]proto.CommandSubmit),
		stats:      Stats{Rejected: make(map[string]uint64)},
	}
	c.gate = gate.New(lockstep.Tick(welcome.JoinTick), sim, cfg.Gate,
		gate.WithClock(cfg.Clock),
		gate.WithDesyncRiskHandler(func(h gate.Health) {
			c.logger.Printf("[client %d] stalled at tick %d for %s", welcome.ClientID, h.NextTick, h.StalledFor)
		}),
	)
	// Waiting for sets is not a stall until the match runs.
	c.gate.Hold(true)
	if cfg.ReadyOnConnect {
		if err := c.Ready(); err != nil {
			return nil, fmt.Errorf("send ready: %w", err)
		}
	}
	return c, nil
}

// Ready tells the server this client can start simulating. The match starts
// once every connected client is ready.
func (c *Client) Ready() error {
	data, err := proto.EncodeReady()
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// SimulationState returns the newest match state announced by the server.
func (c *Client) SimulationState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simState
}

// Welcome returns the handshake result.
func (c *Client) Welcome() proto.Welcome {
	return c.welcome
}

// ID returns the server-assigned id.
func (c *Client) ID() lockstep.ClientID {
	return lockstep.ClientID(c.welcome.ClientID)
}

// Gate exposes the execution gate.
func (c *Client) Gate() *gate.Gate {
	return c.gate
}

// InputDelay returns the most recently advertised horizon.
func (c *Client) InputDelay() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputDelay
}

// Stats returns a copy of the counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Rejected = make(map[string]uint64, len(c.stats.Rejected))
	for k, v := range c.stats.Rejected {
		stats.Rejected[k] = v
	}
	stats.InputDelay = c.inputDelay
	stats.LastReceived = c.lastReceived
	stats.HasReceived = c.hasReceived
	stats.SimulationState = c.simState
	return stats
}

// Queue schedules a local input for the next tick Pump submits.
func (c *Client) Queue(payload []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, append([]byte(nil), payload...))
	c.mu.Unlock()
}

// Pump submits commands for every tick up to the current horizon: one past
// the newest received tick plus the input delay. Ticks without queued input
// get a no-op so the server never waits on a deadline for this client.
func (c *Client) Pump() (int, error) {
	c.mu.Lock()
	base := lockstep.Tick(c.welcome.JoinTick)
	if c.hasReceived {
		base = c.lastReceived + 1
	}
	target := base + lockstep.Tick(max(c.inputDelay, 0))
	if c.nextSubmit < base {
		c.nextSubmit = base
	}
	var frames []proto.CommandSubmit
	for tick := c.nextSubmit; tick <= target; tick++ {
		n := min(len(c.queue), c.cfg.MaxCommandsPerTick)
		if n == 0 {
			frames = append(frames, proto.CommandSubmit{Tick: uint64(tick)})
		}
		for seq := 0; seq < n; seq++ {
			frames = append(frames, proto.CommandSubmit{Tick: uint64(tick), Seq: uint32(seq), Payload: c.queue[seq]})
		}
		c.queue = c.queue[n:]
		c.nextSubmit = tick + 1
	}
	for _, f := range frames {
		c.mirror[lockstep.Tick(f.Tick)] = append(c.mirror[lockstep.Tick(f.Tick)], f)
	}
	c.stats.Submitted += uint64(len(frames))
	c.mu.Unlock()

	for i, f := range frames {
		if err := c.send(f); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

// Submit sends one command for tick without scheduling. Commands outside the
// horizon are rejected by the server.
func (c *Client) Submit(tick lockstep.Tick, seq uint32, payload []byte) error {
	f := proto.CommandSubmit{Tick: uint64(tick), Seq: seq, Payload: payload}
	c.mu.Lock()
	c.mirror[tick] = append(c.mirror[tick], f)
	c.stats.Submitted++
	c.mu.Unlock()
	return c.send(f)
}

// Resubmit resends every mirrored command for a tick not yet received.
// Duplicates are idempotent on the server.
func (c *Client) Resubmit() error {
	c.mu.Lock()
	var frames []proto.CommandSubmit
	for tick, entries := range c.mirror {
		if c.hasReceived && tick <= c.lastReceived {
			continue
		}
		frames = append(frames, entries...)
	}
	c.stats.Resubmitted += uint64(len(frames))
	c.mu.Unlock()
	for _, f := range frames {
		if err := c.send(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(f proto.CommandSubmit) error {
	data, err := proto.EncodeCommandSubmit(f)
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// Step applies at most one received command set to the simulation.
func (c *Client) Step() (bool, error) {
	return c.gate.Step()
}

// Run processes server messages until the connection ends. A digest mismatch
// or a server disconnect ends Run with an error.
func (c *Client) Run(ctx context.Context) error {
	for {
		raw, err := c.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return lockstep.ErrDisconnected
			}
			return err
		}
		msg, err := proto.DecodeServerMessage(raw)
		if err != nil {
			c.logger.Printf("[client %d] discarding malformed message: %v", c.welcome.ClientID, err)
			continue
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(msg proto.ServerMessage) error {
	switch msg.Type {
	case proto.TypeTick:
		broadcast, _ := msg.TickBroadcast()
		return c.handleTick(broadcast)
	case proto.TypeDelayAdvert:
		c.mu.Lock()
		c.inputDelay = msg.InputDelay
		c.mu.Unlock()
	case proto.TypeHeartbeat:
		c.mu.Lock()
		ack := proto.Ack{Tick: uint64(c.lastReceived), Echo: msg.SentAt}
		c.mu.Unlock()
		data, err := proto.EncodeAck(ack)
		if err != nil {
			return err
		}
		if err := c.conn.Send(data); err != nil {
			return err
		}
		// A lost trailing broadcast leaves no later tick to expose the gap.
		if expected := c.gate.Expected(); lockstep.Tick(msg.Tick) >= expected {
			if err := c.requestResend(expected); err != nil {
				return err
			}
		}
		return c.Resubmit()
	case proto.TypeSimState:
		state, _ := msg.SimulationState()
		c.gate.Hold(state.State != proto.StateRunning)
		c.mu.Lock()
		c.simState = state.State
		c.mu.Unlock()
		c.logger.Printf("[client %d] simulation %s at tick %d", c.welcome.ClientID, state.State, state.Tick)
	case proto.TypeCommandReject:
		c.handleReject(msg)
	case proto.TypeDisconnect:
		if msg.Reason == lockstep.ReasonDesyncRisk {
			return fmt.Errorf("%w: %w", lockstep.ErrDisconnected, lockstep.ErrDesyncRisk)
		}
		return fmt.Errorf("%w: %s", lockstep.ErrDisconnected, msg.Reason)
	case proto.TypeWelcome:
		c.logger.Printf("[client %d] ignoring repeated welcome", c.welcome.ClientID)
	default:
		c.logger.Printf("[client %d] unknown message type %q", c.welcome.ClientID, msg.Type)
	}
	return nil
}

func (c *Client) handleTick(broadcast proto.TickBroadcast) error {
	set, err := broadcast.CommandSet()
	if err != nil {
		c.mu.Lock()
		c.stats.DigestMismatches++
		c.mu.Unlock()
		return fmt.Errorf("tick %d: %w", broadcast.Tick, err)
	}

	if err := c.gate.OnReceive(set); err != nil {
		var tickErr *lockstep.TickError
		if errors.As(err, &tickErr) && tickErr.Duplicate {
			c.mu.Lock()
			c.stats.Duplicates++
			c.mu.Unlock()
			return nil
		}
		if errors.Is(err, lockstep.ErrOutOfOrder) {
			return c.requestResend(c.gate.Expected())
		}
		return err
	}

	c.mu.Lock()
	c.stats.Received++
	c.lastReceived = set.Tick
	c.hasReceived = true
	if sent := c.mirror[set.Tick]; len(sent) > 0 && set.WasDefaulted(c.ID()) {
		for _, f := range sent {
			if len(f.Payload) > 0 {
				c.stats.Overridden++
			}
		}
	}
	for tick := range c.mirror {
		if tick <= set.Tick {
			delete(c.mirror, tick)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) requestResend(from lockstep.Tick) error {
	now := c.clock.Now()
	c.mu.Lock()
	if c.resendFrom == from && !c.resendAt.IsZero() && now.Sub(c.resendAt) < c.cfg.ResendInterval {
		c.mu.Unlock()
		return nil
	}
	c.resendFrom = from
	c.resendAt = now
	c.stats.ResendRequests++
	c.mu.Unlock()

	data, err := proto.EncodeResendRequest(proto.ResendRequest{From: uint64(from)})
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

func (c *Client) handleReject(msg proto.ServerMessage) {
	tick := lockstep.Tick(msg.Tick)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Rejected[msg.Reason]++

	entries := c.mirror[tick]
	kept := entries[:0]
	var lost []byte
	for _, f := range entries {
		if f.Seq == msg.Seq {
			lost = f.Payload
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		delete(c.mirror, tick)
	} else {
		c.mirror[tick] = kept
	}

	switch msg.Reason {
	case lockstep.ReasonFutureTick, proto.ReasonRateLimited:
		if len(lost) > 0 {
			c.queue = append([][]byte{lost}, c.queue...)
		}
	}
	c.logger.Printf("[client %d] tick %d seq %d rejected: %s", c.welcome.ClientID, msg.Tick, msg.Seq, msg.Reason)
}

// Close tells the server the client is leaving and closes the connection.
func (c *Client) Close() error {
	if data, err := proto.EncodeDisconnect(proto.Disconnect{ClientID: c.welcome.ClientID, Reason: proto.ReasonClientLeft}); err == nil {
		c.conn.Send(data)
	}
	return c.conn.Close()
}
