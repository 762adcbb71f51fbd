// Package sfu implements the media negotiation channel: correlated
// request/response actions, unsolicited producer events and the transport
// bootstrap.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrChannelClosed = errors.New("sfu channel closed")
	ErrRequestFailed = errors.New("sfu request failed")
	ErrBadEndpoint   = errors.New("bad sfu endpoint")
)

type Options struct {
	RequestTimeout time.Duration
	Policy         app.Policy
	Clock          clock.Clock
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout: 10 * time.Second,
		Policy:         app.DefaultBackoff(),
		Clock:          clock.New(),
	}
}

// Channel multiplexes correlated requests and unsolicited events over one
// reconnecting socket.
type Channel struct {
	opts  Options
	link  *link.Link
	newID func() string

	mu       sync.Mutex
	endpoint string
	pending  map[string]chan proto.Envelope
	onEvent  func(proto.SfuEvent)
	onOpen   func()
	onClose  func()
}

func NewChannel(dialer core.Dialer, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Policy == nil {
		opts.Policy = app.DefaultBackoff()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	c := &Channel{
		opts:    opts,
		newID:   uuid.NewString,
		pending: make(map[string]chan proto.Envelope),
	}
	c.link = link.New(dialer, link.Hooks{
		URL:    c.dialURL,
		Opened: c.opened,
		Frame:  c.dispatch,
		Closed: c.closed,
	}, link.Options{Module: "sfu", Policy: opts.Policy, Clock: opts.Clock})
	return c
}

// OnEvent sets the handler for unsolicited events.
func (c *Channel) OnEvent(h func(proto.SfuEvent)) {
	c.mu.Lock()
	c.onEvent = h
	c.mu.Unlock()
}

// OnOpen runs after every successful (re)connect, on its own goroutine so
// it may issue requests.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

// OnClose runs after every lost connection, once pending requests failed.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadEndpoint, endpoint)
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	c.link.Start(ctx)
	return nil
}

func (c *Channel) dialURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Channel) opened(uint64) {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *Channel) closed(uint64, bool) {
	c.failPending()
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Channel) dispatch(data core.Frame) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Msg("bad json")
		return
	}

	if env.IsResponse() {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if !ok {
			log.Debug().Str("module", "sfu").Str("action", env.Action).Str("request_id", env.RequestID).Msg("orphan response")
			return
		}
		ch <- env
		return
	}

	ev, ok, err := proto.DecodeEvent(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "sfu").Msg("bad event payload")
		return
	}
	if !ok {
		log.Debug().Str("module", "sfu").Str("action", env.Action).Msg("unknown event")
		return
	}
	c.mu.Lock()
	h := c.onEvent
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Request sends action and waits for its correlated response, decoding the
// response data into out when out is non-nil.
func (c *Channel) Request(ctx context.Context, action string, data, out any) error {
	id := c.newID()
	ch := make(chan proto.Envelope, 1)
	frame, err := json.Marshal(proto.Request{Action: action, RequestID: id, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.link.Send(frame); err != nil {
		return fmt.Errorf("%s: %w: %w", action, ErrChannelClosed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	select {
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", action, ErrChannelClosed)
		}
		if env.IsError() {
			log.Warn().Str("module", "sfu").Str("action", action).Str("error", env.Error).Msg("request rejected")
			return fmt.Errorf("%s: %w: %s", action, ErrRequestFailed, env.Error)
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", action, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", action, ctx.Err())
	}
}

// Notify sends action without waiting for a response.
func (c *Channel) Notify(action string, data any) error {
	frame, err := json.Marshal(proto.Request{Action: action, RequestID: c.newID(), Data: data})
	if err != nil {
		return err
	}
	if err := c.link.Send(frame); err != nil {
		return fmt.Errorf("%s: %w: %w", action, ErrChannelClosed, err)
	}
	return nil
}

// Resume dials at once if the socket is down, bypassing backoff.
func (c *Channel) Resume() bool { return c.link.Resume() }

func (c *Channel) State() app.ConnectionState { return c.link.State() }
