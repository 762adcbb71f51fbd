package core

import "github.com/dkeye/huddle/internal/domain"

// AudioSink plays inbound audio. Release must free whatever Attach allocated.
type AudioSink interface {
	Attach(producerID string, peer domain.PeerID, track domain.Track)
	Release(producerID string)
}

// IntentStore persists the local mic/camera intent across sessions.
// Load returns ok=false when nothing was stored yet.
type IntentStore interface {
	Load() (in domain.Intent, ok bool, err error)
	Save(domain.Intent) error
}

// NopAudioSink discards inbound audio.
type NopAudioSink struct{}

func (NopAudioSink) Attach(string, domain.PeerID, domain.Track) {}
func (NopAudioSink) Release(string)                             {}
