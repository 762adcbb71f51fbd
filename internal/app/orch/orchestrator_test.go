package orch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/media"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/prefs"
	"github.com/dkeye/huddle/internal/proto"
	"github.com/dkeye/huddle/internal/testutil"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeSignal struct {
	mu        sync.Mutex
	endpoint  string
	handler   func(proto.SignalMessage)
	states    int
	chats     []string
	reactions []string
	resumes   int
	left      bool
	sendErr   error
}

func (s *fakeSignal) Connect(_ context.Context, endpoint string, _ domain.RoomID, _ domain.Identity) error {
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	return nil
}

func (s *fakeSignal) OnMessage(h func(proto.SignalMessage)) { s.handler = h }

func (s *fakeSignal) SendState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states++
	return nil
}

func (s *fakeSignal) SendChat(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.chats = append(s.chats, message)
	return nil
}

func (s *fakeSignal) SendReaction(emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, emoji)
	return nil
}

func (s *fakeSignal) Resume() {
	s.mu.Lock()
	s.resumes++
	s.mu.Unlock()
}

func (s *fakeSignal) Leave() {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()
}

func (s *fakeSignal) State() app.ConnectionState { return app.NewConnectionState() }

func (s *fakeSignal) deliver(m proto.SignalMessage) { s.handler(m) }

type fakeSfuChannel struct {
	mu       sync.Mutex
	endpoint string
	onEvent  func(proto.SfuEvent)
	onOpen   func()
	onClose  func()
	existing []proto.ProducerInfo
	sessions []*core.MediaSession
	resumes  int
	left     bool
}

func (s *fakeSfuChannel) Connect(_ context.Context, endpoint string) error {
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	return nil
}

func (s *fakeSfuChannel) OnEvent(h func(proto.SfuEvent)) { s.onEvent = h }
func (s *fakeSfuChannel) OnOpen(fn func())               { s.onOpen = fn }
func (s *fakeSfuChannel) OnClose(fn func())              { s.onClose = fn }

func (s *fakeSfuChannel) Bootstrap(ctx context.Context, _ domain.RoomID, _ domain.PeerID, factory core.TransportFactory) (*core.MediaSession, error) {
	if err := factory.Load(proto.RTPCapabilities{}); err != nil {
		return nil, err
	}
	send, err := factory.NewSendTransport(ctx, proto.TransportOptions{}, nil, nil)
	if err != nil {
		return nil, err
	}
	recv, err := factory.NewRecvTransport(ctx, proto.TransportOptions{}, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &core.MediaSession{Send: send, Recv: recv, Existing: s.existing}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *fakeSfuChannel) Leave(domain.RoomID, domain.PeerID) {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()
}

func (s *fakeSfuChannel) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
	return true
}

func (s *fakeSfuChannel) State() app.ConnectionState { return app.NewConnectionState() }

type activity struct {
	mu     sync.Mutex
	active map[domain.PeerID]bool
}

func (a *activity) Active(time.Time) map[domain.PeerID]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

type fixture struct {
	o       *orch.Orchestrator
	signal  *fakeSignal
	sfu     *fakeSfuChannel
	rpc     *testutil.FakeSfu
	factory *testutil.FakeFactory
	devices *testutil.FakeDevices
	reg     *app.Registry
	clk     *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		signal:  &fakeSignal{},
		sfu:     &fakeSfuChannel{},
		rpc:     &testutil.FakeSfu{},
		factory: &testutil.FakeFactory{},
		devices: &testutil.FakeDevices{},
		clk:     clock.NewMock(),
	}
	self := domain.Identity{PeerID: "me", Name: "Me"}
	popts := media.DefaultProducerOptions()
	popts.Clock = f.clk
	producers := media.NewProducerManager(f.devices, &prefs.MemStore{}, f.rpc, popts)
	f.reg = app.NewRegistry(self, producers, f.clk, app.DefaultRegistryOptions())
	f.o = orch.New(orch.Config{
		SignalURL: "wss://signal.test",
		SfuURL:    "wss://sfu.test",
		Room:      "room",
		Self:      self,
	}, &orch.Orchestrator{
		Signal:       f.signal,
		Sfu:          f.sfu,
		Factory:      f.factory,
		Producers:    producers,
		Consumers:    media.NewConsumerManager(self.PeerID, f.rpc, f.reg, nil),
		Registry:     f.reg,
		Presentation: app.NewPresentation(f.reg),
		Chat:         app.NewChatLog(10),
		Clock:        f.clk,
	})
	t.Cleanup(f.o.Leave)
	return f
}

// joined runs Join and a first SFU open.
func (f *fixture) joined(t *testing.T) {
	t.Helper()
	require.NoError(t, f.o.Join(context.Background()))
	f.sfu.onOpen()
}

func TestOrchestrator_Join(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.o.Join(context.Background()))

	assert.Equal(t, "wss://signal.test", f.signal.endpoint)
	assert.Equal(t, "wss://sfu.test", f.sfu.endpoint)
	assert.Equal(t, 1, f.devices.CallCount())
	self, _ := f.reg.Get("me")
	require.NotNil(t, self.Stream, "local media is mirrored onto the local entry")
	assert.ErrorIs(t, f.o.Join(context.Background()), orch.ErrAlreadyJoined)
}

func TestOrchestrator_JoinWithoutMedia(t *testing.T) {
	f := newFixture(t)
	f.devices.Denied = true

	require.NoError(t, f.o.Join(context.Background()))
	f.sfu.onOpen()

	assert.Equal(t, media.PermissionDenied, f.o.State().Permissions[domain.SourceAudio])
	assert.Empty(t, f.factory.Send.Produced())
	assert.True(t, f.o.State().MediaReady)
}

func TestOrchestrator_SfuOpenProducesAndConsumesExisting(t *testing.T) {
	f := newFixture(t)
	f.sfu.existing = []proto.ProducerInfo{
		{ProducerID: "a-cam", PeerID: "a", AppData: proto.AppData{Type: domain.SourceCamera}},
		{ProducerID: "mine", PeerID: "me", AppData: proto.AppData{Type: domain.SourceAudio}},
	}

	f.joined(t)

	assert.Len(t, f.factory.Send.Open(domain.SourceAudio), 1)
	assert.Len(t, f.factory.Send.Open(domain.SourceCamera), 1)
	require.Eventually(t, func() bool {
		a, ok := f.reg.Get("a")
		return ok && a.Stream != nil
	}, waitFor, tick)
	assert.Equal(t, 1, f.rpc.ConsumeCount(), "own producers are not consumed")
}

func TestOrchestrator_ProducerEvents(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	f.o.Presentation.Refresh()

	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "b-screen", PeerID: "b", AppData: proto.AppData{Type: domain.SourceScreen}}})
	require.Eventually(t, func() bool {
		b, _ := f.reg.Get("b")
		return b.IsScreenSharing
	}, waitFor, tick)
	focus := f.o.Focus()
	assert.Equal(t, domain.PeerID("b"), focus.PeerID)
	assert.Equal(t, app.ModeScreenShare, focus.Mode)

	f.sfu.onEvent(proto.ProducerClosed{ProducerInfo: proto.ProducerInfo{ProducerID: "b-screen"}})
	b, _ := f.reg.Get("b")
	assert.False(t, b.IsScreenSharing)
	assert.Equal(t, domain.PeerID("me"), f.o.Focus().PeerID)

	f.sfu.onEvent(proto.PeerCount{Count: 3})
	assert.Equal(t, 3, f.o.State().PeerCount)
}

func TestOrchestrator_PeerLeftClosesConsumers(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "a-cam", PeerID: "a"}})
	require.Eventually(t, func() bool { return f.o.Consumers.Has("a-cam") }, waitFor, tick)

	f.sfu.onEvent(proto.PeerLeft{PeerID: "a"})

	assert.False(t, f.o.Consumers.Has("a-cam"))
	a, _ := f.reg.Get("a")
	assert.Nil(t, a.Stream)
}

func TestOrchestrator_ProducerClosedAfterDeparture(t *testing.T) {
	f := newFixture(t)
	f.rpc.Kinds = map[string]domain.MediaKind{"b-mic": domain.KindAudio}
	f.joined(t)
	f.signal.deliver(proto.UsersUpdate{Users: []proto.PresenceUser{{UserID: "b"}}})
	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "b-mic", PeerID: "b", AppData: proto.AppData{Type: domain.SourceAudio}}})
	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "b-cam", PeerID: "b", AppData: proto.AppData{Type: domain.SourceCamera}}})
	require.Eventually(t, func() bool {
		return f.o.Consumers.Has("b-mic") && f.o.Consumers.Has("b-cam")
	}, waitFor, tick)

	f.signal.deliver(proto.UsersUpdate{})
	f.sfu.onEvent(proto.ProducerClosed{ProducerInfo: proto.ProducerInfo{ProducerID: "b-mic"}})

	assert.False(t, f.reg.Has("b"), "closing one of its producers does not bring the peer back")
	stream, _ := f.o.Consumers.Streams("b")
	require.NotNil(t, stream)
	assert.Len(t, stream.Tracks(), 1)
}

func TestOrchestrator_SnapshotRestoresEarlyMedia(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "a-cam", PeerID: "a"}})
	require.Eventually(t, func() bool { return f.o.Consumers.Has("a-cam") }, waitFor, tick)

	// A snapshot computed before a joined drops the entry; the next one
	// brings it back and the consumed stream must follow.
	f.signal.deliver(proto.UsersUpdate{})
	assert.False(t, f.reg.Has("a"))
	f.signal.deliver(proto.UsersUpdate{Users: []proto.PresenceUser{{UserID: "a", UserName: "Ann"}}})

	a, ok := f.reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Ann", a.Name)
	require.NotNil(t, a.Stream)
	stream, _ := f.o.Consumers.Streams("a")
	assert.Same(t, stream, a.Stream)
}

func TestOrchestrator_SignalMessages(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	f.signal.deliver(proto.UsersUpdate{Users: []proto.PresenceUser{{UserID: "a"}, {UserID: "me", Muted: true}}})
	muted := true

	f.signal.deliver(proto.StateChange{UserID: "a", Changes: proto.StateChanges{Muted: &muted}})
	f.signal.deliver(proto.Reaction{UserID: "a", Emoji: "🎉"})
	f.signal.deliver(proto.Chat{UserID: "a", UserName: "A", Message: "hi"})
	f.signal.deliver(proto.Chat{UserID: "me", Message: "echo"})
	f.signal.deliver(proto.Reconnecting{UserID: "a"})

	a, _ := f.reg.Get("a")
	assert.True(t, a.Muted)
	assert.Equal(t, "🎉", a.Reaction)
	assert.True(t, a.IsReconnecting)
	me, _ := f.reg.Get("me")
	assert.False(t, me.Muted, "the local entry follows local intent, not echoes")
	msgs := f.o.ChatMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestOrchestrator_SendChatAndReaction(t *testing.T) {
	f := newFixture(t)
	f.joined(t)

	assert.ErrorIs(t, f.o.SendChat("   "), orch.ErrEmptyMessage)
	require.NoError(t, f.o.SendChat("  hello "))
	assert.Equal(t, []string{"hello"}, f.signal.chats)
	msgs := f.o.ChatMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.PeerID("me"), msgs[0].PeerID)

	assert.ErrorIs(t, f.o.SendReaction(""), orch.ErrBadReaction)
	assert.ErrorIs(t, f.o.SendReaction("this is not an emoji"), orch.ErrBadReaction)
	require.NoError(t, f.o.SendReaction("👍"))
	me, _ := f.reg.Get("me")
	assert.Equal(t, "👍", me.Reaction)

	f.signal.sendErr = app.ErrUnknownParticipant
	assert.Error(t, f.o.SendChat("lost"))
	assert.Len(t, f.o.ChatMessages(), 1, "a failed send is not echoed")
}

func TestOrchestrator_ToggleSendsState(t *testing.T) {
	f := newFixture(t)
	f.joined(t)

	muted, err := f.o.ToggleMic()
	require.NoError(t, err)

	assert.True(t, muted)
	assert.Equal(t, 1, f.signal.states)
	me, _ := f.reg.Get("me")
	assert.True(t, me.Muted)
}

func TestOrchestrator_ScreenShare(t *testing.T) {
	f := newFixture(t)
	f.joined(t)

	require.NoError(t, f.o.StartScreenShare(context.Background()))
	me, _ := f.reg.Get("me")
	assert.True(t, me.IsScreenSharing)
	assert.True(t, f.o.State().Sharing)
	assert.Equal(t, app.ModeScreenShare, f.o.Focus().Mode)

	require.NoError(t, f.o.StopScreenShare(context.Background()))
	me, _ = f.reg.Get("me")
	assert.False(t, me.IsScreenSharing)
}

func TestOrchestrator_SfuCloseResetsMedia(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	f.sfu.onEvent(proto.NewProducer{ProducerInfo: proto.ProducerInfo{ProducerID: "a-cam", PeerID: "a"}})
	require.Eventually(t, func() bool { return f.o.Consumers.Has("a-cam") }, waitFor, tick)
	first := f.factory.Send

	f.sfu.onClose()

	assert.False(t, f.o.State().MediaReady)
	assert.Zero(t, f.o.Consumers.Len())
	assert.True(t, first.Closed())
	for _, p := range first.Produced() {
		assert.True(t, p.Closed())
	}

	f.sfu.onOpen()
	assert.Len(t, f.factory.Send.Open(domain.SourceAudio), 1, "producers come back on the new transport")
	assert.NotSame(t, first, f.factory.Send)
}

func TestOrchestrator_LeaveTearsDown(t *testing.T) {
	f := newFixture(t)
	f.joined(t)
	send := f.factory.Send

	f.o.Leave()

	assert.True(t, f.signal.left)
	assert.True(t, f.sfu.left)
	assert.True(t, send.Closed())
	for _, tr := range f.devices.Issued {
		assert.True(t, tr.Stopped())
	}
	assert.True(t, f.o.State().Left)
	assert.ErrorIs(t, f.o.Join(context.Background()), orch.ErrLeft)

	f.sfu.onOpen()
	assert.Len(t, f.sfu.sessions, 1, "no bootstrap after leave")
}

func TestOrchestrator_ExitDeferredInPictureInPicture(t *testing.T) {
	f := newFixture(t)
	f.joined(t)

	f.o.EnterPictureInPicture()
	assert.False(t, f.o.Exit())
	assert.False(t, f.signal.left)

	f.o.ExitPictureInPicture()
	assert.True(t, f.signal.left)
	assert.False(t, f.o.RunDeferredTeardown(), "the teardown runs once")
}

func TestOrchestrator_ExitOutsidePictureInPicture(t *testing.T) {
	f := newFixture(t)
	f.joined(t)

	assert.True(t, f.o.Exit())
	assert.True(t, f.sfu.left)
}

func TestOrchestrator_VisibilityResumes(t *testing.T) {
	f := newFixture(t)
	f.o.OnVisible()
	assert.Zero(t, f.signal.resumes, "nothing to resume before join")

	f.joined(t)
	f.o.OnHidden()
	assert.False(t, f.o.State().Visible)
	f.o.OnVisible()

	assert.True(t, f.o.State().Visible)
	assert.Equal(t, 1, f.signal.resumes)
	assert.Equal(t, 1, f.sfu.resumes)
}

func TestOrchestrator_Speaking(t *testing.T) {
	f := newFixture(t)
	f.o.Activity = &activity{active: map[domain.PeerID]bool{"a": true}}
	f.joined(t)
	f.signal.deliver(proto.UsersUpdate{Users: []proto.PresenceUser{{UserID: "a"}}})

	require.Eventually(t, func() bool {
		f.clk.Add(400 * time.Millisecond)
		a, _ := f.reg.Get("a")
		return a.Speaking
	}, waitFor, tick)
}
