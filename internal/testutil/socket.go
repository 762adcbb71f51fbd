package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

var ErrDialRefused = errors.New("dial refused")

// FakeConn is an in-memory core.SocketConn. Frames pushed with Deliver are
// returned by ReadFrame; frames the client sends are recorded.
type FakeConn struct {
	URL string

	in     chan core.Frame
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   []core.Frame
	notify chan core.Frame
}

func NewFakeConn(url string) *FakeConn {
	return &FakeConn{
		URL:    url,
		in:     make(chan core.Frame, 64),
		done:   make(chan struct{}),
		notify: make(chan core.Frame, 256),
	}
}

func (c *FakeConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	select {
	case c.notify <- f:
	default:
	}
	return nil
}

func (c *FakeConn) ReadFrame() (core.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, core.ErrConnClosed
	}
}

func (c *FakeConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Drop simulates the server side closing the socket.
func (c *FakeConn) Drop() { c.Close() }

func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Deliver queues an inbound frame.
func (c *FakeConn) Deliver(f core.Frame) {
	c.in <- f
}

// DeliverJSON marshals v and queues it as an inbound frame.
func (c *FakeConn) DeliverJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Deliver(b)
}

// Sent returns every frame the client sent.
func (c *FakeConn) Sent() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.sent...)
}

// Outbound yields frames as the client sends them.
func (c *FakeConn) Outbound() <-chan core.Frame { return c.notify }

// SentTypes decodes the "type" or "action" field of each sent frame.
func (c *FakeConn) SentTypes() []string {
	var out []string
	for _, f := range c.Sent() {
		var env struct {
			Type   string `json:"type"`
			Action string `json:"action"`
		}
		if json.Unmarshal(f, &env) != nil {
			continue
		}
		if env.Type != "" {
			out = append(out, env.Type)
		} else {
			out = append(out, env.Action)
		}
	}
	return out
}

// FakeDialer hands out FakeConns and publishes each on Conns.
type FakeDialer struct {
	mu     sync.Mutex
	refuse bool
	dials  int
	urls   []string
	Conns  chan *FakeConn
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{Conns: make(chan *FakeConn, 16)}
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (core.SocketConn, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	refuse := d.refuse
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if refuse {
		return nil, ErrDialRefused
	}
	c := NewFakeConn(url)
	d.Conns <- c
	return c, nil
}

// Refuse makes subsequent dials fail until called with false.
func (d *FakeDialer) Refuse(v bool) {
	d.mu.Lock()
	d.refuse = v
	d.mu.Unlock()
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
