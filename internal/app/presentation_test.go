package app_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
	"github.com/dkeye/huddle/internal/testutil"
)

func screenStream() *domain.Stream {
	return domain.NewStream(testutil.NewFakeTrack(domain.KindVideo))
}

func TestPresentation_DefaultsToSelf(t *testing.T) {
	reg, _, _ := newRegistry(t)
	p := app.NewPresentation(reg)

	f := p.Current()
	assert.Equal(t, domain.PeerID("self"), f.PeerID)
	assert.Equal(t, app.ModeDefault, f.Mode)
	assert.False(t, f.Screen)
}

func TestPresentation_ScreenSharePromoted(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", true)})
	p := app.NewPresentation(reg)

	reg.UpdateSelf(domain.Intent{}, nil, screenStream())
	f := p.Current()
	assert.Equal(t, domain.PeerID("self"), f.PeerID)
	assert.Equal(t, app.ModeScreenShare, f.Mode)

	s := screenStream()
	reg.AttachScreen("b", s)
	f = p.Current()
	assert.Equal(t, domain.PeerID("b"), f.PeerID, "a remote share outranks the local one")
	assert.True(t, f.Screen)
	assert.Same(t, s, f.Stream)

	reg.AttachScreen("b", nil)
	assert.Equal(t, domain.PeerID("self"), p.Current().PeerID)
}

func TestPresentation_PinWins(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true), user("b", true)})
	reg.AttachScreen("b", screenStream())
	p := app.NewPresentation(reg)

	require.NoError(t, p.Pin("a"))
	f := p.Current()
	assert.Equal(t, domain.PeerID("a"), f.PeerID)
	assert.Equal(t, app.ModePinned, f.Mode)

	p.Unpin()
	assert.Equal(t, domain.PeerID("b"), p.Current().PeerID)

	assert.ErrorIs(t, p.Pin("ghost"), app.ErrUnknownParticipant)
}

func TestPresentation_RefreshFallsBack(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.Reconcile([]proto.PresenceUser{user("a", true)})
	p := app.NewPresentation(reg)
	require.NoError(t, p.Pin("a"))

	reg.Reconcile(nil)
	p.Refresh()

	f := p.Current()
	assert.Equal(t, domain.PeerID("self"), f.PeerID)
	assert.Equal(t, app.ModeDefault, f.Mode)
}

func TestChatLog_DropsOldest(t *testing.T) {
	log := app.NewChatLog(2)
	for _, text := range []string{"one", "two", "three"} {
		log.Append(domain.ChatMessage{PeerID: "a", Text: text})
	}

	msgs := log.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)
	assert.Equal(t, 2, log.Len())
}
