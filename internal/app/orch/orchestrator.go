// Package orch wires the signaling channel, the SFU channel and the media
// managers into one session.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/media"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

// SignalChannel is the presence/chat channel as the orchestrator uses it.
type SignalChannel interface {
	Connect(ctx context.Context, endpoint string, room domain.RoomID, id domain.Identity) error
	OnMessage(func(proto.SignalMessage))
	SendState() error
	SendChat(message string) error
	SendReaction(emoji string) error
	Resume()
	Leave()
	State() app.ConnectionState
}

// SfuChannel is the media negotiation channel as the orchestrator uses it.
type SfuChannel interface {
	Connect(ctx context.Context, endpoint string) error
	OnEvent(func(proto.SfuEvent))
	OnOpen(func())
	OnClose(func())
	Bootstrap(ctx context.Context, room domain.RoomID, peer domain.PeerID, factory core.TransportFactory) (*core.MediaSession, error)
	Leave(room domain.RoomID, peer domain.PeerID)
	Resume() bool
	State() app.ConnectionState
}

// ActivityMeter reports which peers sent audio recently.
type ActivityMeter interface {
	Active(since time.Time) map[domain.PeerID]bool
}

const speakingWindow = 400 * time.Millisecond

type Config struct {
	SignalURL string
	SfuURL    string
	Room      domain.RoomID
	Self      domain.Identity
}

type Orchestrator struct {
	cfg Config

	Signal       SignalChannel
	Sfu          SfuChannel
	Factory      core.TransportFactory
	Producers    *media.ProducerManager
	Consumers    *media.ConsumerManager
	Registry     *app.Registry
	Presentation *app.Presentation
	Chat         *app.ChatLog
	Clock        clock.Clock

	// Activity drives the speaking flags; nil leaves them unset.
	Activity ActivityMeter

	ctx    context.Context
	cancel context.CancelFunc

	bootMu sync.Mutex

	mu        sync.Mutex
	session   *core.MediaSession
	peerCount int
	joined    bool
	left      bool
	visible   bool
	pip       bool
	deferred  func()
}

// New binds the orchestrator to its collaborators. Fields of o other than
// cfg must be set by the caller.
func New(cfg Config, o *Orchestrator) *Orchestrator {
	o.cfg = cfg
	o.visible = true
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.Signal.OnMessage(o.onSignal)
	o.Sfu.OnEvent(o.onSfuEvent)
	o.Sfu.OnOpen(o.onSfuOpen)
	o.Sfu.OnClose(o.onSfuClose)
	o.Producers.OnLocalChange(o.onLocalChange)
	o.Producers.OnIntentChange(o.onIntentChange)
	return o
}

func (o *Orchestrator) watchSpeaking() {
	t := o.Clock.Ticker(speakingWindow)
	defer t.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-t.C:
			o.Registry.SetSpeaking(o.Activity.Active(now.Add(-speakingWindow)))
		}
	}
}

func (o *Orchestrator) onLocalChange(st media.LocalState) {
	o.Registry.UpdateSelf(st.Intent, st.Stream, st.Screen)
}

func (o *Orchestrator) onIntentChange(domain.Intent) {
	if err := o.Signal.SendState(); err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("state not sent, will go out on reconnect")
	}
}

// Self returns the local identity.
func (o *Orchestrator) Self() domain.Identity { return o.cfg.Self }

func (o *Orchestrator) Room() domain.RoomID { return o.cfg.Room }

// Participants returns the current participant list, local peer first.
func (o *Orchestrator) Participants() []domain.Participant { return o.Registry.Snapshot() }

func (o *Orchestrator) Focus() app.Focus { return o.Presentation.Current() }

func (o *Orchestrator) ChatMessages() []domain.ChatMessage { return o.Chat.Messages() }

// State is a point-in-time view of the session for the control API.
type State struct {
	Self        domain.Identity                    `json:"self"`
	Room        domain.RoomID                      `json:"room"`
	Intent      domain.Intent                      `json:"intent"`
	Sharing     bool                               `json:"sharing"`
	PeerCount   int                                `json:"peerCount"`
	Signal      app.ConnectionState                `json:"signal"`
	Sfu         app.ConnectionState                `json:"sfu"`
	Permissions map[domain.Source]media.Permission `json:"permissions"`
	MediaReady  bool                               `json:"mediaReady"`
	Visible     bool                               `json:"visible"`
	PiP         bool                               `json:"pip"`
	Left        bool                               `json:"left"`
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	st := State{
		Self:       o.cfg.Self,
		Room:       o.cfg.Room,
		PeerCount:  o.peerCount,
		MediaReady: o.session != nil,
		Visible:    o.visible,
		PiP:        o.pip,
		Left:       o.left,
	}
	o.mu.Unlock()
	st.Intent = o.Producers.Intent()
	st.Sharing = o.Producers.Sharing()
	st.Permissions = o.Producers.Permissions()
	st.Signal = o.Signal.State()
	st.Sfu = o.Sfu.State()
	return st
}
