// Package proto holds the wire formats of the signaling and SFU channels.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	TypePing         = "PING"
	TypePong         = "PONG"
	TypeLeave        = "LEAVE"
	TypeUsersUpdate  = "USERS_UPDATE"
	TypeChat         = "CHAT"
	TypeReaction     = "REACTION"
	TypeStateChange  = "USER_STATE_CHANGE"
	TypeReconnecting = "USER_RECONNECTING"
)

// StateChanges carries only the fields that changed.
type StateChanges struct {
	Muted     *bool `json:"muted,omitempty"`
	CameraOff *bool `json:"cameraOff,omitempty"`
}

// Outbound signaling messages.

type Control struct {
	Type string `json:"type"`
}

type StateChangeOut struct {
	Type    string        `json:"type"`
	UserID  domain.PeerID `json:"userId"`
	Changes StateChanges  `json:"changes"`
}

// NewStateChange reports the full local intent.
func NewStateChange(peer domain.PeerID, in domain.Intent) StateChangeOut {
	muted, cameraOff := in.Muted, in.CameraOff
	return StateChangeOut{
		Type:    TypeStateChange,
		UserID:  peer,
		Changes: StateChanges{Muted: &muted, CameraOff: &cameraOff},
	}
}

type ChatOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ReactionOut struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// SignalMessage is one decoded inbound signaling message.
type SignalMessage interface {
	SignalType() string
}

type Pong struct{}

// PresenceUser is one entry of a full presence snapshot.
type PresenceUser struct {
	UserID    domain.PeerID `json:"userId"`
	UserName  string        `json:"userName"`
	Muted     bool          `json:"muted"`
	CameraOff bool          `json:"cameraOff"`
	Online    *bool         `json:"online,omitempty"`
	JoinAt    Timestamp     `json:"joinAt"`
}

// Offline is true only for an explicit online=false; a missing flag means online.
func (u PresenceUser) Offline() bool {
	return u.Online != nil && !*u.Online
}

type UsersUpdate struct {
	Users []PresenceUser `json:"users"`
}

type Chat struct {
	UserID    domain.PeerID `json:"userId"`
	UserName  string        `json:"userName"`
	Message   string        `json:"message"`
	Timestamp Timestamp     `json:"timestamp"`
}

type Reaction struct {
	UserID domain.PeerID `json:"userId"`
	Emoji  string        `json:"emoji"`
}

type StateChange struct {
	UserID  domain.PeerID `json:"userId"`
	Changes StateChanges  `json:"changes"`
}

type Reconnecting struct {
	UserID domain.PeerID `json:"userId"`
}

// Unknown is returned for message types this client does not handle.
type Unknown struct {
	Type string
}

func (Pong) SignalType() string         { return TypePong }
func (UsersUpdate) SignalType() string  { return TypeUsersUpdate }
func (Chat) SignalType() string         { return TypeChat }
func (Reaction) SignalType() string     { return TypeReaction }
func (StateChange) SignalType() string  { return TypeStateChange }
func (Reconnecting) SignalType() string { return TypeReconnecting }
func (u Unknown) SignalType() string    { return u.Type }

// DecodeSignal parses one inbound frame. Unrecognised types decode to Unknown
// without error; malformed JSON is an error.
func DecodeSignal(data []byte) (SignalMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg SignalMessage
	switch env.Type {
	case TypePong:
		return Pong{}, nil
	case TypeUsersUpdate:
		msg = &UsersUpdate{}
	case TypeChat:
		msg = &Chat{}
	case TypeReaction:
		msg = &Reaction{}
	case TypeStateChange:
		msg = &StateChange{}
	case TypeReconnecting:
		msg = &Reconnecting{}
	default:
		return Unknown{Type: env.Type}, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return deref(msg), nil
}

func deref(m SignalMessage) SignalMessage {
	switch v := m.(type) {
	case *UsersUpdate:
		return *v
	case *Chat:
		return *v
	case *Reaction:
		return *v
	case *StateChange:
		return *v
	case *Reconnecting:
		return *v
	}
	return m
}
