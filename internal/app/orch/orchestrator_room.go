package orch

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrLeft          = errors.New("session left")
	ErrEmptyMessage  = errors.New("empty message")
	ErrBadReaction   = errors.New("reaction must be a single emoji")
)

const maxReactionRunes = 8

// Join acquires local media and starts both channels. Media failures are
// logged and the session continues without that device.
func (o *Orchestrator) Join(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.left:
		o.mu.Unlock()
		return ErrLeft
	case o.joined:
		o.mu.Unlock()
		return ErrAlreadyJoined
	}
	o.joined = true
	o.mu.Unlock()

	if _, err := o.Producers.AcquireLocalMedia(ctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("joining without local media")
	}

	if err := o.Signal.Connect(o.ctx, o.cfg.SignalURL, o.cfg.Room, o.cfg.Self); err != nil {
		return err
	}
	if err := o.Sfu.Connect(o.ctx, o.cfg.SfuURL); err != nil {
		return err
	}
	if o.Activity != nil {
		go o.watchSpeaking()
	}
	log.Info().
		Str("module", "orch").
		Str("room", string(o.cfg.Room)).
		Str("peer", string(o.cfg.Self.PeerID)).
		Msg("joining")
	return nil
}

// Leave tears the session down: both channels, every producer and
// consumer, and the transports.
func (o *Orchestrator) Leave() {
	o.mu.Lock()
	if o.left {
		o.mu.Unlock()
		return
	}
	o.left = true
	o.deferred = nil
	o.mu.Unlock()

	o.Signal.Leave()
	o.Sfu.Leave(o.cfg.Room, o.cfg.Self.PeerID)

	o.bootMu.Lock()
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	o.Producers.CloseAll()
	o.Consumers.Reset()
	sess.Close()
	o.bootMu.Unlock()

	o.cancel()
	log.Info().Str("module", "orch").Str("room", string(o.cfg.Room)).Msg("left")
}

// Exit is the process-exit path. While picture-in-picture is active the
// teardown is stored instead and Exit reports false.
func (o *Orchestrator) Exit() bool {
	o.mu.Lock()
	if o.pip && !o.left {
		o.deferred = o.Leave
		o.mu.Unlock()
		log.Info().Str("module", "orch").Msg("exit deferred while in picture-in-picture")
		return false
	}
	o.mu.Unlock()
	o.Leave()
	return true
}

// RunDeferredTeardown runs a teardown stored by Exit, if any.
func (o *Orchestrator) RunDeferredTeardown() bool {
	o.mu.Lock()
	fn := o.deferred
	o.deferred = nil
	o.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (o *Orchestrator) EnterPictureInPicture() {
	o.mu.Lock()
	o.pip = true
	o.mu.Unlock()
	log.Debug().Str("module", "orch").Msg("picture-in-picture entered")
}

// ExitPictureInPicture runs the teardown Exit deferred, if any.
func (o *Orchestrator) ExitPictureInPicture() {
	o.mu.Lock()
	o.pip = false
	o.mu.Unlock()
	log.Debug().Str("module", "orch").Msg("picture-in-picture exited")
	o.RunDeferredTeardown()
}

func (o *Orchestrator) OnHidden() {
	o.mu.Lock()
	o.visible = false
	o.mu.Unlock()
	log.Debug().Str("module", "orch").Msg("hidden")
}

// OnVisible reconnects dead channels at once and brings local producers
// back in line with intent.
func (o *Orchestrator) OnVisible() {
	o.mu.Lock()
	o.visible = true
	active := o.joined && !o.left
	o.mu.Unlock()
	log.Debug().Str("module", "orch").Msg("visible")
	if !active {
		return
	}

	o.Signal.Resume()
	o.Sfu.Resume()
	go func() {
		if err := o.Producers.EnsureLocalProducers(o.ctx); err != nil {
			log.Debug().Err(err).Str("module", "orch").Msg("ensure producers on resume")
		}
		if err := o.Producers.RestoreCamera(o.ctx); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("camera restore on resume")
		}
	}()
}

func (o *Orchestrator) onSignal(msg proto.SignalMessage) {
	self := o.cfg.Self.PeerID
	switch m := msg.(type) {
	case proto.UsersUpdate:
		o.Registry.Reconcile(m.Users)
		o.restoreStreams()
		o.Presentation.Refresh()
	case proto.Chat:
		if m.UserID == self {
			return
		}
		ts := m.Timestamp.Time
		if ts.IsZero() {
			ts = o.Clock.Now()
		}
		o.Chat.Append(domain.ChatMessage{PeerID: m.UserID, Name: m.UserName, Text: m.Message, Timestamp: ts})
	case proto.Reaction:
		if m.UserID == self {
			return
		}
		o.Registry.ApplyReaction(m.UserID, m.Emoji)
	case proto.StateChange:
		o.Registry.ApplyStateChange(m.UserID, m.Changes)
	case proto.Reconnecting:
		o.Registry.MarkReconnecting(m.UserID)
	default:
		log.Debug().Str("module", "orch").Str("type", msg.SignalType()).Msg("signal message ignored")
	}
}

// restoreStreams re-attaches consumed streams to entries a snapshot
// recreated, for peers whose media arrived before their presence.
func (o *Orchestrator) restoreStreams() {
	for _, p := range o.Registry.Snapshot() {
		if p.IsSelf || p.IsReconnecting {
			continue
		}
		stream, screen := o.Consumers.Streams(p.ID)
		if p.Stream == nil && stream != nil {
			o.Registry.AttachStream(p.ID, stream)
		}
		if p.ScreenStream == nil && screen != nil {
			o.Registry.AttachScreen(p.ID, screen)
		}
	}
}

// SendChat sends a chat message and echoes it into the local log.
func (o *Orchestrator) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := o.Signal.SendChat(text); err != nil {
		return err
	}
	o.Chat.Append(domain.ChatMessage{
		PeerID:    o.cfg.Self.PeerID,
		Name:      o.cfg.Self.Name,
		Text:      text,
		Timestamp: o.Clock.Now(),
	})
	return nil
}

// SendReaction broadcasts emoji and shows it on the local participant.
func (o *Orchestrator) SendReaction(emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxReactionRunes {
		return ErrBadReaction
	}
	if err := o.Signal.SendReaction(emoji); err != nil {
		return err
	}
	o.Registry.ApplyReaction(o.cfg.Self.PeerID, emoji)
	return nil
}

func (o *Orchestrator) Pin(id domain.PeerID) error { return o.Presentation.Pin(id) }

func (o *Orchestrator) Unpin() { o.Presentation.Unpin() }
