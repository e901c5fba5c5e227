package server

import (
	"errors"
	"fmt"
	"sync"

	"lockstep/server/internal/lockstep"
	"lockstep/server/internal/transport"
)

var (
	// errPeerBacklog marks a peer whose writer fell PeerQueueDepth frames
	// behind.
	errPeerBacklog = errors.New("peer send queue full")
	// errPeerClosed marks a peer that is shutting down.
	errPeerClosed = errors.New("peer closed")
)

const defaultPeerQueueDepth = 256

// peer owns one registered client connection. Frames are queued and written
// by writeLoop, so a slow connection never blocks tick closure.
type peer struct {
	id   lockstep.ClientID
	conn transport.Conn

	mu     sync.Mutex
	out    chan []byte
	closed bool
	done   chan struct{}
}

func newPeer(id lockstep.ClientID, conn transport.Conn, depth int) *peer {
	if depth < 1 {
		depth = defaultPeerQueueDepth
	}
	return &peer{
		id:   id,
		conn: conn,
		out:  make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// send queues frame without blocking.
func (p *peer) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%s: %w", p.id, errPeerClosed)
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return fmt.Errorf("%s: %w", p.id, errPeerBacklog)
	}
}

// shutdown stops accepting frames. The writer flushes the queue and final,
// then closes the connection. When final does not fit the connection is
// closed at once.
func (p *peer) shutdown(final []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fits := true
	if final != nil {
		select {
		case p.out <- final:
		default:
			fits = false
		}
	}
	close(p.out)
	p.mu.Unlock()
	if !fits {
		p.conn.Close()
	}
}

// writeLoop drains the queue onto the connection until shutdown.
func (p *peer) writeLoop() {
	defer close(p.done)
	defer p.conn.Close()
	for frame := range p.out {
		if err := p.conn.Send(frame); err != nil {
			// The read loop observes the closed connection and releases the
			// session; discard what is still queued until then.
			p.conn.Close()
			for range p.out {
			}
			return
		}
	}
}
