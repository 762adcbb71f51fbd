// Package signal implements the presence/chat/reaction channel.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrBadEndpoint  = errors.New("bad signaling endpoint")
)

type Options struct {
	// PingPeriod is the keepalive interval while open.
	PingPeriod time.Duration
	// ResendDelay re-sends the local state once after open, covering a
	// snapshot the server computed before it absorbed the first update.
	ResendDelay time.Duration
	Policy      app.Policy
	Clock       clock.Clock
	// SendBurst user messages (chat, reactions) per type are allowed within
	// SendWindow; zero disables the limit.
	SendBurst  int
	SendWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		PingPeriod:  25 * time.Second,
		ResendDelay: 100 * time.Millisecond,
		Policy:      app.DefaultBackoff(),
		Clock:       clock.New(),
		SendBurst:   10,
		SendWindow:  5 * time.Second,
	}
}

// Channel owns the signaling socket, its keepalive and its reconnect loop.
type Channel struct {
	opts    Options
	intent  app.IntentSource
	limiter *RateLimiter
	link    *link.Link

	mu       sync.Mutex
	endpoint string
	room     domain.RoomID
	identity domain.Identity
	resend   *clock.Timer
	ping     *clock.Timer
	handler  func(proto.SignalMessage)
}

func NewChannel(dialer core.Dialer, intent app.IntentSource, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Policy == nil {
		opts.Policy = app.DefaultBackoff()
	}
	c := &Channel{
		opts:    opts,
		intent:  intent,
		limiter: NewRateLimiter(opts.SendBurst, opts.SendWindow, opts.Clock),
	}
	c.link = link.New(dialer, link.Hooks{
		URL:    c.dialURL,
		Opened: c.onOpen,
		Frame:  c.dispatch,
		Closed: c.onClose,
	}, link.Options{Module: "signal", Policy: opts.Policy, Clock: opts.Clock})
	return c
}

// OnMessage sets the handler for every decoded inbound message except
// keepalive acks and unknown types. Call before Connect.
func (c *Channel) OnMessage(h func(proto.SignalMessage)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect starts the connect/reconnect loop and returns at once; connection
// failures are retried, never returned.
func (c *Channel) Connect(ctx context.Context, endpoint string, room domain.RoomID, id domain.Identity) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadEndpoint, endpoint)
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.room = room
	c.identity = id
	c.mu.Unlock()
	c.link.Start(ctx)
	return nil
}

// dialURL carries identity and the current intent so the server can seed
// presence before the first state message arrives.
func (c *Channel) dialURL() string {
	c.mu.Lock()
	endpoint, room, id := c.endpoint, c.room, c.identity
	c.mu.Unlock()

	u, _ := url.Parse(endpoint)
	in := c.intent.Intent()
	q := u.Query()
	if room != "" {
		q.Set("roomId", string(room))
	}
	q.Set("userId", string(id.PeerID))
	q.Set("userName", id.Name)
	q.Set("muted", strconv.FormatBool(in.Muted))
	q.Set("cameraOff", strconv.FormatBool(in.CameraOff))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) onOpen(gen uint64) {
	c.mu.Lock()
	c.stopTimersLocked()
	c.resend = c.opts.Clock.AfterFunc(c.opts.ResendDelay, func() { c.resendState(gen) })
	c.ping = c.opts.Clock.AfterFunc(c.opts.PingPeriod, func() { c.keepalive(gen) })
	c.mu.Unlock()

	if err := c.SendState(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("initial state send failed")
	}
}

func (c *Channel) onClose(uint64, bool) {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
}

func (c *Channel) stopTimersLocked() {
	if c.resend != nil {
		c.resend.Stop()
		c.resend = nil
	}
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
}

// Resume is called when the client becomes visible again. A dead socket is
// reconnected at once, bypassing backoff; a live one is probed with a ping
// and the current state because some drops never surface as a close.
func (c *Channel) Resume() {
	if c.link.Resume() {
		return
	}
	if c.link.State().Status != app.StatusOpen {
		return
	}
	if err := c.Send(proto.Control{Type: proto.TypePing}); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("resume: ping failed")
	}
	if err := c.SendState(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("resume: state send failed")
	}
}

// Leave announces departure, closes the socket and disables reconnects.
func (c *Channel) Leave() {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	c.link.Stop(mustJSON(proto.Control{Type: proto.TypeLeave}))
	log.Info().Str("module", "signal").Msg("left")
}

// State returns a copy of the connection bookkeeping.
func (c *Channel) State() app.ConnectionState {
	return c.link.State()
}
