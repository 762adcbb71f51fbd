// Package testutil holds in-memory fakes of the socket, capture and
// transport interfaces.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

// FakeTrack is a domain.Track whose end can be triggered by the test.
type FakeTrack struct {
	id      string
	kind    domain.MediaKind
	enabled atomic.Bool

	mu      sync.Mutex
	ended   bool
	stopped bool
	onEnded []func()
}

func NewFakeTrack(kind domain.MediaKind) *FakeTrack {
	t := &FakeTrack{id: uuid.NewString(), kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *FakeTrack) ID() string              { return t.id }
func (t *FakeTrack) Kind() domain.MediaKind  { return t.kind }
func (t *FakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *FakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *FakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended && !t.stopped
}

func (t *FakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *FakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End simulates the source ending the track, e.g. an unplugged device.
func (t *FakeTrack) End() {
	t.mu.Lock()
	if t.ended || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// FakeDevices hands out fresh FakeTracks.
type FakeDevices struct {
	mu          sync.Mutex
	NoAudio     bool
	NoVideo     bool
	Denied      bool
	Unsupported bool
	ScreenErr   error
	Calls       []core.MediaConstraints
	Issued      []*FakeTrack
	Screens     []*FakeTrack
}

func (d *FakeDevices) GetUserMedia(_ context.Context, c core.MediaConstraints) ([]domain.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, c)
	switch {
	case d.Unsupported:
		return nil, core.ErrCaptureUnsupported
	case d.Denied:
		return nil, core.ErrPermissionDenied
	case c.Audio && d.NoAudio, c.Video && d.NoVideo:
		return nil, core.ErrNoDevice
	}
	var out []domain.Track
	if c.Audio {
		t := NewFakeTrack(domain.KindAudio)
		d.Issued = append(d.Issued, t)
		out = append(out, t)
	}
	if c.Video {
		t := NewFakeTrack(domain.KindVideo)
		d.Issued = append(d.Issued, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *FakeDevices) GetDisplayMedia(context.Context) ([]domain.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScreenErr != nil {
		return nil, d.ScreenErr
	}
	t := NewFakeTrack(domain.KindVideo)
	d.Screens = append(d.Screens, t)
	return []domain.Track{t}, nil
}

// CallCount returns how many GetUserMedia calls were made.
func (d *FakeDevices) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}

// LastScreen returns the most recent display capture track.
func (d *FakeDevices) LastScreen() *FakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Screens) == 0 {
		return nil
	}
	return d.Screens[len(d.Screens)-1]
}

// Produced is one producer created by a FakeSendTransport.
type Produced struct {
	ID     string
	Track  domain.Track
	Source domain.Source
	closed atomic.Bool
}

func (p *Produced) Closed() bool { return p.closed.Load() }

type fakeProducer struct{ p *Produced }

func (h fakeProducer) ID() string { return h.p.ID }
func (h fakeProducer) Close()     { h.p.closed.Store(true) }

// FakeSendTransport records every produce call.
type FakeSendTransport struct {
	id     string
	mu     sync.Mutex
	Err    error
	Gate   chan struct{}
	list   []*Produced
	closed bool
}

func NewFakeSendTransport() *FakeSendTransport {
	return &FakeSendTransport{id: uuid.NewString()}
}

func (t *FakeSendTransport) ID() string { return t.id }

func (t *FakeSendTransport) Produce(ctx context.Context, track domain.Track, app proto.AppData) (core.ProducerHandle, error) {
	t.mu.Lock()
	gate, err := t.Gate, t.Err
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	p := &Produced{ID: uuid.NewString(), Track: track, Source: app.Type}
	t.mu.Lock()
	t.list = append(t.list, p)
	t.mu.Unlock()
	return fakeProducer{p}, nil
}

func (t *FakeSendTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *FakeSendTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Produced returns every producer created so far.
func (t *FakeSendTransport) Produced() []*Produced {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Produced(nil), t.list...)
}

// Open returns the producers of src not closed yet.
func (t *FakeSendTransport) Open(src domain.Source) []*Produced {
	var out []*Produced
	for _, p := range t.Produced() {
		if p.Source == src && !p.Closed() {
			out = append(out, p)
		}
	}
	return out
}

type fakeConsumer struct {
	id    string
	track *FakeTrack
}

func (c fakeConsumer) ID() string          { return c.id }
func (c fakeConsumer) Track() domain.Track { return c.track }
func (c fakeConsumer) Close()              { c.track.Stop() }

// FakeRecvTransport creates a FakeTrack per consume.
type FakeRecvTransport struct {
	id     string
	mu     sync.Mutex
	Tracks map[string]*FakeTrack
	closed bool
}

func NewFakeRecvTransport() *FakeRecvTransport {
	return &FakeRecvTransport{id: uuid.NewString(), Tracks: make(map[string]*FakeTrack)}
}

func (t *FakeRecvTransport) ID() string { return t.id }

func (t *FakeRecvTransport) Consume(_ context.Context, c proto.ConsumeResponse) (core.ConsumerHandle, error) {
	track := NewFakeTrack(c.Kind)
	t.mu.Lock()
	t.Tracks[c.ProducerID] = track
	t.mu.Unlock()
	return fakeConsumer{id: c.ConsumerID, track: track}, nil
}

func (t *FakeRecvTransport) Track(producerID string) *FakeTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Tracks[producerID]
}

func (t *FakeRecvTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// FakeFactory builds fake transports and keeps the last of each kind.
type FakeFactory struct {
	mu      sync.Mutex
	LoadErr error
	Loaded  proto.RTPCapabilities
	Send    *FakeSendTransport
	Recv    *FakeRecvTransport
}

func (f *FakeFactory) Load(caps proto.RTPCapabilities) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Loaded = caps
	return f.LoadErr
}

func (f *FakeFactory) RTPCapabilities() proto.RTPCapabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Loaded
}

func (f *FakeFactory) NewSendTransport(context.Context, proto.TransportOptions, core.ConnectFunc, core.ProduceFunc) (core.SendTransport, error) {
	t := NewFakeSendTransport()
	f.mu.Lock()
	f.Send = t
	f.mu.Unlock()
	return t, nil
}

func (f *FakeFactory) NewRecvTransport(context.Context, proto.TransportOptions, core.ConnectFunc) (core.RecvTransport, error) {
	t := NewFakeRecvTransport()
	f.mu.Lock()
	f.Recv = t
	f.mu.Unlock()
	return t, nil
}

// FakeSfu answers consume requests and records notifications.
type FakeSfu struct {
	mu       sync.Mutex
	Gate     chan struct{}
	Fail     map[string]error
	Kinds    map[string]domain.MediaKind
	Resumed  []string
	Closed   []string
	Consumed []string
}

func (s *FakeSfu) Consume(ctx context.Context, transportID, producerID string, _ proto.RTPCapabilities) (proto.ConsumeResponse, error) {
	s.mu.Lock()
	gate := s.Gate
	err := s.Fail[producerID]
	kind, ok := s.Kinds[producerID]
	if !ok {
		kind = domain.KindVideo
	}
	s.Consumed = append(s.Consumed, producerID)
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return proto.ConsumeResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return proto.ConsumeResponse{}, err
	}
	return proto.ConsumeResponse{
		ConsumerID: fmt.Sprintf("c-%s", producerID),
		ProducerID: producerID,
		Kind:       kind,
	}, nil
}

func (s *FakeSfu) ResumeConsumer(_ context.Context, consumerID string) error {
	s.mu.Lock()
	s.Resumed = append(s.Resumed, consumerID)
	s.mu.Unlock()
	return nil
}

func (s *FakeSfu) CloseProducer(_ context.Context, producerID string) error {
	s.mu.Lock()
	s.Closed = append(s.Closed, producerID)
	s.mu.Unlock()
	return nil
}

func (s *FakeSfu) ClosedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Closed...)
}

func (s *FakeSfu) ResumedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Resumed...)
}

func (s *FakeSfu) ConsumeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Consumed)
}

// FakeAudioSink records attached producer ids.
type FakeAudioSink struct {
	mu       sync.Mutex
	Attached map[string]domain.PeerID
}

func NewFakeAudioSink() *FakeAudioSink {
	return &FakeAudioSink{Attached: make(map[string]domain.PeerID)}
}

func (s *FakeAudioSink) Attach(producerID string, peer domain.PeerID, _ domain.Track) {
	s.mu.Lock()
	s.Attached[producerID] = peer
	s.mu.Unlock()
}

func (s *FakeAudioSink) Release(producerID string) {
	s.mu.Lock()
	delete(s.Attached, producerID)
	s.mu.Unlock()
}

func (s *FakeAudioSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Attached)
}
