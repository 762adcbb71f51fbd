// Package link keeps one message socket alive: it dials, pumps inbound
// frames, and re-dials with backoff until told to stop.
package link

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
)

// Hooks are invoked from the link's goroutines, never with its lock held.
type Hooks struct {
	// URL is evaluated before every dial.
	URL func() string
	// Opened runs after a successful dial, before the first frame is read.
	Opened func(gen uint64)
	// Frame runs for every inbound frame, in transport order.
	Frame func(core.Frame)
	// Closed runs after a connection cycle ended; retry tells whether a
	// reconnect was scheduled.
	Closed func(gen uint64, retry bool)
}

type Options struct {
	Module string
	Policy app.Policy
	Clock  clock.Clock
}

type Link struct {
	dialer core.Dialer
	opts   Options
	hooks  Hooks

	mu    sync.Mutex
	ctx   context.Context
	state app.ConnectionState
	conn  core.SocketConn
	gen   uint64
	retry *clock.Timer
}

func New(dialer core.Dialer, hooks Hooks, opts Options) *Link {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Policy == nil {
		opts.Policy = app.DefaultBackoff()
	}
	return &Link{
		dialer: dialer,
		opts:   opts,
		hooks:  hooks,
		state:  app.NewConnectionState(),
	}
}

// Start begins the dial loop bound to ctx. Failures are retried, not returned.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx = ctx
	l.state.IntentionalClose = false
	l.state.Attempt = 0
	l.dialLocked()
}

// dialLocked must be called with l.mu held.
func (l *Link) dialLocked() {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.gen++
	gen := l.gen
	l.state.Connecting()
	go l.run(l.ctx, gen, l.hooks.URL())
}

func (l *Link) run(ctx context.Context, gen uint64, target string) {
	conn, err := l.dialer.Dial(ctx, target)
	if err != nil {
		log.Warn().Err(err).Str("module", l.opts.Module).Msg("dial failed")
		l.closed(gen)
		return
	}

	l.mu.Lock()
	if gen != l.gen || l.state.IntentionalClose {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.state.Opened()
	l.mu.Unlock()

	log.Info().Str("module", l.opts.Module).Uint64("gen", gen).Msg("connected")
	if l.hooks.Opened != nil {
		l.hooks.Opened(gen)
	}
	l.readPump(gen, conn)
}

func (l *Link) readPump(gen uint64, conn core.SocketConn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if l.Current(gen) {
				log.Warn().Err(err).Str("module", l.opts.Module).Msg("read error")
			}
			l.closed(gen)
			return
		}
		if !l.Current(gen) {
			return
		}
		if l.hooks.Frame != nil {
			l.hooks.Frame(data)
		}
	}
}

// closed ends connection cycle gen and schedules the next dial.
func (l *Link) closed(gen uint64) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		l.state.IntentionalClose = true
	}
	retry, delay := l.state.Closed(l.opts.Policy)
	if retry {
		l.retry = l.opts.Clock.AfterFunc(delay, func() { l.reconnect(gen) })
	}
	attempt := l.state.Attempt
	l.mu.Unlock()

	if retry {
		log.Warn().Str("module", l.opts.Module).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, reconnect scheduled")
	} else {
		log.Info().Str("module", l.opts.Module).Msg("closed")
	}
	if l.hooks.Closed != nil {
		l.hooks.Closed(gen, retry)
	}
}

func (l *Link) reconnect(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen || !l.state.Idle() {
		return
	}
	l.dialLocked()
}

// Resume dials immediately, bypassing backoff, when the socket is neither
// open nor connecting. It reports whether it did so.
func (l *Link) Resume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil || !l.state.Idle() {
		return false
	}
	log.Info().Str("module", l.opts.Module).Msg("resume: forcing reconnect")
	l.dialLocked()
	return true
}

// Stop disables reconnects and closes the socket after queueing final, if
// given and the socket is open.
func (l *Link) Stop(final core.Frame) {
	l.mu.Lock()
	l.state.IntentionalClose = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	conn := l.conn
	l.conn = nil
	l.gen++
	l.state.Closed(l.opts.Policy)
	l.mu.Unlock()

	if conn == nil {
		return
	}
	if final != nil {
		if err := conn.TrySend(final); err != nil {
			log.Warn().Err(err).Str("module", l.opts.Module).Msg("final frame not queued")
		}
	}
	conn.Close()
}

// Send queues a frame on the open socket.
func (l *Link) Send(f core.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return core.ErrConnClosed
	}
	return conn.TrySend(f)
}

// Current reports whether gen is the live, open connection cycle.
func (l *Link) Current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen == l.gen && l.conn != nil
}

func (l *Link) State() app.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
