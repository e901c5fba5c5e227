// Package memory is an in-process transport with injectable loss, latency
// and reordering.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"lockstep/server/internal/transport"
)

// Direction names one side of a link.
type Direction int

const (
	// ClientToServer carries messages sent by the dialing side.
	ClientToServer Direction = iota
	// ServerToClient carries messages sent by the accepting side.
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client->server"
	}
	return "server->client"
}

// LinkConfig shapes delivery in one direction.
type LinkConfig struct {
	// Latency delays every message.
	Latency time.Duration
	// Jitter adds a uniformly random extra delay in [0, Jitter). Messages
	// with different delays may overtake each other.
	Jitter time.Duration
	// Loss is the probability in [0, 1] that a message is silently dropped.
	Loss float64
}

// DropFunc decides whether a message is dropped. It runs before the random
// loss check.
type DropFunc func(dir Direction, data []byte) bool

// Config shapes a Network.
type Config struct {
	Up   LinkConfig
	Down LinkConfig
	// Seed makes random loss and jitter reproducible.
	Seed int64
	Drop DropFunc
}

// Stats counts messages across every link of a network.
type Stats struct {
	Sent      uint64
	Dropped   uint64
	Delivered uint64
}

// Network creates connected endpoint pairs sharing one configuration.
type Network struct {
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand

	dropMu sync.RWMutex
	drop   DropFunc

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewNetwork returns a network using cfg for every pair it creates.
func NewNetwork(cfg Config) *Network {
	return &Network{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		drop: cfg.Drop,
	}
}

// SetDrop replaces the drop predicate for subsequent sends.
func (n *Network) SetDrop(fn DropFunc) {
	n.dropMu.Lock()
	n.drop = fn
	n.dropMu.Unlock()
}

// Stats returns the message counters.
func (n *Network) Stats() Stats {
	return Stats{
		Sent:      n.sent.Load(),
		Dropped:   n.dropped.Load(),
		Delivered: n.delivered.Load(),
	}
}

// Pipe returns a connected pair: the client end and the server end.
func (n *Network) Pipe() (client, server *Endpoint) {
	client = newEndpoint(n, ClientToServer, n.cfg.Up)
	server = newEndpoint(n, ServerToClient, n.cfg.Down)
	client.peer = server
	server.peer = client
	return client, server
}

func (n *Network) shouldDrop(dir Direction, link LinkConfig, data []byte) bool {
	n.dropMu.RLock()
	drop := n.drop
	n.dropMu.RUnlock()
	if drop != nil && drop(dir, data) {
		return true
	}
	if link.Loss <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < link.Loss
}

func (n *Network) delay(link LinkConfig) time.Duration {
	d := link.Latency
	if link.Jitter > 0 {
		n.rngMu.Lock()
		d += time.Duration(n.rng.Int63n(int64(link.Jitter)))
		n.rngMu.Unlock()
	}
	return d
}

// Endpoint is one side of a pipe. It implements transport.Conn.
type Endpoint struct {
	net  *Network
	dir  Direction
	link LinkConfig
	peer *Endpoint

	mu      sync.Mutex
	inbox   [][]byte
	notify  chan struct{}
	closed  bool
	done    chan struct{}
	pending sync.WaitGroup
}

var _ transport.Conn = (*Endpoint)(nil)

func newEndpoint(n *Network, dir Direction, link LinkConfig) *Endpoint {
	return &Endpoint{
		net:    n,
		dir:    dir,
		link:   link,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send delivers data to the peer subject to the link configuration. A dropped
// message is not an error.
func (e *Endpoint) Send(data []byte) error {
	if e.isClosed() {
		return transport.ErrClosed
	}
	e.net.sent.Add(1)
	if e.net.shouldDrop(e.dir, e.link, data) {
		e.net.dropped.Add(1)
		return nil
	}
	msg := append([]byte(nil), data...)
	d := e.net.delay(e.link)
	if d <= 0 {
		e.peer.deliver(msg)
		return nil
	}
	e.peer.pending.Add(1)
	time.AfterFunc(d, func() {
		defer e.peer.pending.Done()
		e.peer.deliver(msg)
	})
	return nil
}

func (e *Endpoint) deliver(msg []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.net.dropped.Add(1)
		return
	}
	e.inbox = append(e.inbox, msg)
	e.mu.Unlock()
	e.net.delivered.Add(1)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Receive returns the next delivered message. Once either side closes, the
// messages already delivered are drained before ErrClosed is returned.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	for {
		e.mu.Lock()
		if len(e.inbox) > 0 {
			msg := e.inbox[0]
			e.inbox[0] = nil
			e.inbox = e.inbox[1:]
			e.mu.Unlock()
			return msg, nil
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return nil, transport.ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.notify:
		case <-e.done:
		}
	}
}

// Close shuts both ends of the pipe.
func (e *Endpoint) Close() error {
	e.shutdown()
	e.peer.shutdown()
	return nil
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.done)
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Settle waits for every in-flight delayed message addressed to e.
func (e *Endpoint) Settle() {
	e.pending.Wait()
}
