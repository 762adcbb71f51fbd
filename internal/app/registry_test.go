package app_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
	"github.com/dkeye/huddle/internal/testutil"
)

type staticIntent struct{ in domain.Intent }

func (s *staticIntent) Intent() domain.Intent { return s.in }

func online(v bool) *bool { return &v }

func user(id string, on bool) proto.PresenceUser {
	return proto.PresenceUser{UserID: domain.PeerID(id), UserName: id, Online: online(on)}
}

func newRegistry(t *testing.T) (*app.Registry, *clock.Mock, *staticIntent) {
	t.Helper()
	clk := clock.NewMock()
	in := &staticIntent{}
	self := domain.Identity{PeerID: "self", Name: "me"}
	return app.NewRegistry(self, in, clk, app.DefaultRegistryOptions()), clk, in
}

func ids(list []domain.Participant) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func TestRegistry_SelfFirst(t *testing.T) {
	reg, _, in := newRegistry(t)
	in.in = domain.Intent{Muted: true}

	reg.Reconcile([]proto.PresenceUser{
		user("a", true),
		{UserID: "self", UserName: "renamed", Muted: false, CameraOff: true},
	})

	list := reg.Snapshot()
	require.Len(t, list, 2)
	assert.Equal(t, []domain.PeerID{"self", "a"}, ids(list))
	assert.True(t, list[0].IsSelf)
	assert.Equal(t, "renamed", list[0].Name)
	// Local intent wins over the echoed flags.
	assert.True(t, list[0].Muted)
	assert.False(t, list[0].CameraOff)
}

func TestRegistry_ReconcileIdempotent(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	snap := []proto.PresenceUser{user("a", true), user("b", true), user("a", true)}

	reg.Reconcile(snap)
	first := reg.Snapshot()
	clk.Add(10 * time.Millisecond)
	removed := reg.Reconcile(snap)

	assert.Empty(t, removed)
	assert.Equal(t, first, reg.Snapshot())
	assert.Equal(t, 3, reg.Len())
}

func TestRegistry_RemovesAbsentPeers(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", false)})
	require.True(t, reg.Has("b"))

	removed := reg.Reconcile([]proto.PresenceUser{user("a", true)})

	assert.Equal(t, []domain.PeerID{"b"}, removed)
	assert.False(t, reg.Has("b"))
	assert.Equal(t, []domain.PeerID{"self", "a"}, ids(reg.Snapshot()))
}

func TestRegistry_ReconnectScenario(t *testing.T) {
	reg, clk, _ := newRegistry(t)

	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", false)})
	b, ok := reg.Get("b")
	require.True(t, ok)
	assert.True(t, b.IsReconnecting)
	require.NotNil(t, b.ReconnectStartedAt)

	clk.Add(300 * time.Millisecond)
	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", true)})

	b, ok = reg.Get("b")
	require.True(t, ok, "b must never leave the registry")
	assert.False(t, b.IsReconnecting)
	assert.Nil(t, b.ReconnectStartedAt)
}

func TestRegistry_FlickerGuard(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("b", false)})
	reg.Reconcile([]proto.PresenceUser{user("b", true)})

	clk.Add(500 * time.Millisecond)
	reg.Reconcile([]proto.PresenceUser{user("b", false)})
	b, _ := reg.Get("b")
	assert.False(t, b.IsReconnecting, "offline right after a reconnect is debounced")

	clk.Add(time.Second)
	reg.Reconcile([]proto.PresenceUser{user("b", false)})
	b, _ = reg.Get("b")
	assert.True(t, b.IsReconnecting)
}

func TestRegistry_MissingOnlineMeansOnline(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{{UserID: "a"}})
	a, _ := reg.Get("a")
	assert.False(t, a.IsReconnecting)
}

func TestRegistry_JoinWindow(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})

	a, _ := reg.Get("a")
	assert.True(t, a.IsJoining)

	clk.Add(1500 * time.Millisecond)
	require.Eventually(t, func() bool {
		a, _ := reg.Get("a")
		return !a.IsJoining
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_ReconnectingClearsStreams(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})
	require.True(t, reg.AttachStream("a", domain.NewStream(testutil.NewFakeTrack(domain.KindAudio))))
	require.True(t, reg.AttachScreen("a", domain.NewStream(testutil.NewFakeTrack(domain.KindVideo))))

	reg.Reconcile([]proto.PresenceUser{user("a", false)})

	a, _ := reg.Get("a")
	assert.True(t, a.IsReconnecting)
	assert.Nil(t, a.Stream)
	assert.Nil(t, a.ScreenStream)
	assert.False(t, a.IsScreenSharing)
}

func TestRegistry_LiveCameraBeatsStaleFlag(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})
	reg.AttachStream("a", domain.NewStream(testutil.NewFakeTrack(domain.KindVideo)))

	reg.Reconcile([]proto.PresenceUser{{UserID: "a", CameraOff: true}})

	a, _ := reg.Get("a")
	assert.False(t, a.CameraOff)
}

func TestRegistry_AttachCreatesUnknownPeer(t *testing.T) {
	reg, _, _ := newRegistry(t)

	assert.True(t, reg.AttachStream("x", domain.NewStream(testutil.NewFakeTrack(domain.KindAudio))))
	assert.True(t, reg.Has("x"))
	assert.False(t, reg.AttachStream("y", nil), "clearing an unknown peer creates nothing")
	assert.False(t, reg.Has("y"))
}

func TestRegistry_ReplaceNeverCreates(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})
	cam := testutil.NewFakeTrack(domain.KindVideo)
	require.True(t, reg.AttachStream("a", domain.NewStream(testutil.NewFakeTrack(domain.KindAudio), cam)))
	require.True(t, reg.AttachScreen("a", domain.NewStream(testutil.NewFakeTrack(domain.KindVideo))))

	require.True(t, reg.ReplaceScreen("a", nil))
	a, _ := reg.Get("a")
	assert.False(t, a.IsScreenSharing)

	reg.Reconcile(nil)
	assert.False(t, reg.ReplaceStream("a", domain.NewStream(cam)))
	assert.False(t, reg.ReplaceScreen("a", nil))
	assert.False(t, reg.Has("a"), "a departed peer stays gone")
}

func TestRegistry_ApplyStateChange(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})
	muted := true

	assert.True(t, reg.ApplyStateChange("a", proto.StateChanges{Muted: &muted}))
	a, _ := reg.Get("a")
	assert.True(t, a.Muted)
	assert.False(t, a.CameraOff)

	assert.False(t, reg.ApplyStateChange("a", proto.StateChanges{}))
	assert.False(t, reg.ApplyStateChange("self", proto.StateChanges{Muted: &muted}))
	assert.False(t, reg.ApplyStateChange("ghost", proto.StateChanges{Muted: &muted}))
}

func TestRegistry_Reactions(t *testing.T) {
	reg, clk, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})

	require.True(t, reg.ApplyReaction("a", "👍"))
	clk.Add(2 * time.Second)
	require.True(t, reg.ApplyReaction("a", "🎉"))

	clk.Add(time.Second)
	a, _ := reg.Get("a")
	assert.Equal(t, "🎉", a.Reaction, "the first timer must not clear a newer reaction")

	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		a, _ := reg.Get("a")
		return a.Reaction == ""
	}, time.Second, 5*time.Millisecond)

	assert.False(t, reg.ApplyReaction("ghost", "👍"))
}

func TestRegistry_MarkReconnecting(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})

	assert.True(t, reg.MarkReconnecting("a"))
	assert.False(t, reg.MarkReconnecting("self"))

	a, _ := reg.Get("a")
	assert.True(t, a.IsReconnecting)
}

func TestRegistry_UpdateSelf(t *testing.T) {
	reg, _, _ := newRegistry(t)
	screen := domain.NewStream(testutil.NewFakeTrack(domain.KindVideo))
	var changes int
	reg.OnChange(func() { changes++ })

	reg.UpdateSelf(domain.Intent{Muted: true, CameraOff: true}, nil, screen)

	self, _ := reg.Get("self")
	assert.True(t, self.Muted)
	assert.True(t, self.CameraOff)
	assert.True(t, self.IsScreenSharing)
	assert.Same(t, screen, self.ScreenStream)
	assert.Equal(t, 1, changes)
}

func TestRegistry_SetSpeaking(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", true)})

	reg.SetSpeaking(map[domain.PeerID]bool{"a": true})
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.True(t, a.Speaking)
	assert.False(t, b.Speaking)

	reg.SetSpeaking(nil)
	a, _ = reg.Get("a")
	assert.False(t, a.Speaking)
}
