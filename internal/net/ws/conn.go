package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type frame struct {
	data []byte
	err  error
}

// Conn adapts a websocket connection to transport.Conn. Every message is one
// text frame. A single goroutine reads frames so Receive can honour its
// context.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	frames  chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// NewConn wraps conn and starts its reader.
func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(maxMessageSize)
	c := &Conn{
		conn:   conn,
		frames: make(chan frame, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(conn), nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				err = transport.ErrClosed
			}
			select {
			case c.frames <- frame{err: err}:
			case <-c.closed:
			}
			return
		}
		select {
		case c.frames <- frame{data: payload}:
		case <-c.closed:
			return
		}
	}
}

// Send writes data as one text frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the next frame.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c.frames:
		if !ok {
			return nil, transport.ErrClosed
		}
		if f.err != nil {
			return nil, f.err
		}
		return f.data, nil
	}
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
