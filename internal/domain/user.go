// Package domain contains session entities without transport logic.
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrPeerIDTooLong      = errors.New("peer id too long")
)

// PeerID is the stable identity of a session participant.
type PeerID string

// Identity is what the local peer presents to both channels at connect time.
type Identity struct {
	PeerID PeerID `json:"userId"`
	Name   string `json:"userName"`
}

// NewIdentity validates the display name and generates a peer id when none is given.
func NewIdentity(peerID, name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return Identity{}, ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	if len(peerID) > MaxPeerIDLen {
		return Identity{}, ErrPeerIDTooLong
	}
	if peerID == "" {
		peerID = uuid.NewString()
	}
	return Identity{PeerID: PeerID(peerID), Name: name}, nil
}
