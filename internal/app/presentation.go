package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

var ErrUnknownParticipant = errors.New("unknown participant")

type Mode string

const (
	ModeNone        Mode = "none"
	ModeDefault     Mode = "default"
	ModePinned      Mode = "pinned"
	ModeScreenShare Mode = "screenshare"
)

// Focus is the participant rendered as the main stream.
type Focus struct {
	PeerID domain.PeerID  `json:"peerId"`
	Mode   Mode           `json:"mode"`
	Screen bool           `json:"screen"`
	Stream *domain.Stream `json:"-"`
}

// Presentation picks the main stream: a manual pin wins, otherwise a screen
// share is promoted automatically, otherwise the focused participant.
type Presentation struct {
	reg *Registry

	mu      sync.Mutex
	focused domain.PeerID
	pinned  bool
}

func NewPresentation(reg *Registry) *Presentation {
	return &Presentation{reg: reg, focused: reg.SelfID()}
}

func (p *Presentation) Pin(id domain.PeerID) error {
	if !p.reg.Has(id) {
		return ErrUnknownParticipant
	}
	p.mu.Lock()
	p.focused, p.pinned = id, true
	p.mu.Unlock()
	log.Info().Str("module", "app.presentation").Str("peer", string(id)).Msg("pinned")
	return nil
}

func (p *Presentation) Unpin() {
	p.mu.Lock()
	p.pinned = false
	p.mu.Unlock()
}

// Refresh drops a focus that left the registry and falls back to the first
// remaining participant.
func (p *Presentation) Refresh() {
	list := p.reg.Snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, part := range list {
		if part.ID == p.focused {
			return
		}
	}
	prev := p.focused
	p.pinned = false
	p.focused = ""
	if len(list) > 0 {
		p.focused = list[0].ID
	}
	log.Debug().Str("module", "app.presentation").Str("from", string(prev)).Str("to", string(p.focused)).Msg("focus fell back")
}

func (p *Presentation) Current() Focus {
	list := p.reg.Snapshot()
	p.mu.Lock()
	focused, pinned := p.focused, p.pinned
	p.mu.Unlock()

	if pinned {
		for _, part := range list {
			if part.ID == focused {
				return focusOf(part, ModePinned)
			}
		}
	}

	var selfSharing *domain.Participant
	for i := range list {
		part := list[i]
		if !part.IsScreenSharing || part.ScreenStream == nil {
			continue
		}
		if part.IsSelf {
			selfSharing = &list[i]
			continue
		}
		return focusOf(part, ModeScreenShare)
	}
	if selfSharing != nil {
		return focusOf(*selfSharing, ModeScreenShare)
	}

	for _, part := range list {
		if part.ID == focused {
			return focusOf(part, ModeDefault)
		}
	}
	if len(list) > 0 {
		return focusOf(list[0], ModeDefault)
	}
	return Focus{Mode: ModeNone}
}

func focusOf(part domain.Participant, mode Mode) Focus {
	if part.IsScreenSharing && part.ScreenStream != nil {
		return Focus{PeerID: part.ID, Mode: mode, Screen: true, Stream: part.ScreenStream}
	}
	return Focus{PeerID: part.ID, Mode: mode, Stream: part.Stream}
}
