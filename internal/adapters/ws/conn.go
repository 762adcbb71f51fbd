// Package ws adapts gorilla/websocket client connections to core.SocketConn.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	QueueSize        int
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		QueueSize:        64,
	}
}

// Dialer opens websocket connections. Module names the channel in logs.
type Dialer struct {
	Module string
	opts   Options
}

func NewDialer(module string, opts Options) *Dialer {
	return &Dialer{Module: module, opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, url string) (core.SocketConn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}
	ws, resp, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		ws.SetReadLimit(d.opts.ReadLimit)
	}
	c := &Conn{
		conn:   ws,
		send:   make(chan core.Frame, max(d.opts.QueueSize, 1)),
		module: d.Module,
	}
	go c.writePump(d.opts.WriteTimeout)
	return c, nil
}

// Conn is a client websocket with a buffered write queue.
type Conn struct {
	conn   *websocket.Conn
	send   chan core.Frame
	module string

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Conn) ReadFrame() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close stops accepting frames. Already queued frames are still written
// before the socket is closed.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writePump(timeout time.Duration) {
	defer func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(timeout),
		)
		_ = c.conn.Close()
		log.Debug().Str("module", c.module).Msg("writePump closed")
	}()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			log.Error().Err(err).Str("module", c.module).Msg("writePump set deadline")
			c.abandon()
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", c.module).Msg("writePump write error")
			c.abandon()
			return
		}
	}
}

// abandon marks the conn closed after a write failure so senders stop
// queueing; the read side sees the socket close and reports it.
func (c *Conn) abandon() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}
