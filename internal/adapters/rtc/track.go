package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// CaptureSource is a capture track as pion/mediadevices hands it out.
type CaptureSource interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

type endNotifier struct {
	mu      sync.Mutex
	ended   bool
	stopped bool
	fns     []func()
}

func (n *endNotifier) add(fn func()) {
	n.mu.Lock()
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
}

// end marks the track ended by its source and runs the handlers once.
// A track already stopped locally stays silent.
func (n *endNotifier) end() bool {
	n.mu.Lock()
	if n.ended || n.stopped {
		n.mu.Unlock()
		return false
	}
	n.ended = true
	fns := n.fns
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

// stop reports whether this call did the stopping.
func (n *endNotifier) stop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return false
	}
	n.stopped = true
	return true
}

func (n *endNotifier) live() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.ended && !n.stopped
}

// LocalTrack is a capture track that can be sent by an RTP sender. While
// disabled its packets are dropped at the writer, so the producer stays
// negotiated and silent.
type LocalTrack struct {
	src     CaptureSource
	kind    domain.MediaKind
	enabled atomic.Bool
	notify  endNotifier

	mu    sync.Mutex
	ctxs  map[string]webrtc.TrackLocalContext
	codec webrtc.RTPCodecParameters
}

func NewLocalTrack(src CaptureSource) *LocalTrack {
	t := &LocalTrack{src: src, kind: domain.KindAudio, ctxs: make(map[string]webrtc.TrackLocalContext)}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		t.kind = domain.KindVideo
	}
	t.enabled.Store(true)
	src.OnEnded(func(err error) {
		if t.notify.end() {
			log.Info().Err(err).Str("module", "rtc").Str("track", src.ID()).Msg("capture ended")
		}
	})
	return t
}

func (t *LocalTrack) ID() string              { return t.src.ID() }
func (t *LocalTrack) Kind() domain.MediaKind  { return t.kind }
func (t *LocalTrack) Live() bool              { return t.notify.live() }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) OnEnded(fn func())       { t.notify.add(fn) }

// Stop releases the capture device. OnEnded handlers do not run.
func (t *LocalTrack) Stop() {
	if !t.notify.stop() {
		return
	}
	if err := t.src.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("track", t.src.ID()).Msg("close capture")
	}
}

// Sender returns the pion view of the track.
func (t *LocalTrack) Sender() webrtc.TrackLocal { return senderTrack{t} }

// Codec is the codec negotiated by the last Bind.
func (t *LocalTrack) Codec() webrtc.RTPCodecParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.codec
}

// senderTrack adapts LocalTrack to webrtc.TrackLocal, whose Kind differs
// from domain.Track's.
type senderTrack struct{ t *LocalTrack }

func (s senderTrack) ID() string                { return s.t.src.ID() }
func (s senderTrack) RID() string               { return s.t.src.RID() }
func (s senderTrack) StreamID() string          { return s.t.src.StreamID() }
func (s senderTrack) Kind() webrtc.RTPCodecType { return s.t.src.Kind() }

func (s senderTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gated := gatedContext{TrackLocalContext: ctx, enabled: &s.t.enabled}
	codec, err := s.t.src.Bind(gated)
	if err != nil {
		return codec, err
	}
	s.t.mu.Lock()
	s.t.ctxs[ctx.ID()] = gated
	s.t.codec = codec
	s.t.mu.Unlock()
	return codec, nil
}

func (s senderTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	s.t.mu.Lock()
	gated, ok := s.t.ctxs[ctx.ID()]
	delete(s.t.ctxs, ctx.ID())
	s.t.mu.Unlock()
	if !ok {
		gated = ctx
	}
	return s.t.src.Unbind(gated)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{w: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	w       webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (g gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.enabled.Load() {
		return len(payload), nil
	}
	return g.w.WriteRTP(header, payload)
}

func (g gatedWriter) Write(b []byte) (int, error) {
	if !g.enabled.Load() {
		return len(b), nil
	}
	return g.w.Write(b)
}

// RemoteTrack is an inbound track read from an RTP receiver. It ends when
// the receiver stops delivering packets.
type RemoteTrack struct {
	id      string
	kind    domain.MediaKind
	enabled atomic.Bool
	notify  endNotifier
	packets atomic.Uint64

	mu   sync.Mutex
	sink func(*rtp.Packet)
}

func newRemoteTrack(id string, kind domain.MediaKind) *RemoteTrack {
	t := &RemoteTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *RemoteTrack) ID() string              { return t.id }
func (t *RemoteTrack) Kind() domain.MediaKind  { return t.kind }
func (t *RemoteTrack) Live() bool              { return t.notify.live() }
func (t *RemoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *RemoteTrack) OnEnded(fn func())       { t.notify.add(fn) }
func (t *RemoteTrack) Stop()                   { t.notify.stop() }
func (t *RemoteTrack) Packets() uint64         { return t.packets.Load() }

// SetPacketSink receives every packet read while the track is enabled.
func (t *RemoteTrack) SetPacketSink(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = fn
	t.mu.Unlock()
}

func (t *RemoteTrack) read(src *webrtc.TrackRemote) {
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if t.notify.end() {
				log.Debug().Err(err).Str("module", "rtc").Str("track", t.id).Msg("remote track ended")
			}
			return
		}
		t.packets.Add(1)
		if !t.enabled.Load() {
			continue
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(pkt)
		}
	}
}
