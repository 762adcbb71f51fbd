package domain

import "time"

// Intent is the local user's wish for microphone and camera.
// It is the only source of truth for the local peer's muted/cameraOff flags.
type Intent struct {
	Muted     bool `json:"muted"`
	CameraOff bool `json:"cameraOff"`
}

// Participant is one entry of the presence-facing model.
type Participant struct {
	ID                 PeerID     `json:"id"`
	Name               string     `json:"name"`
	IsSelf             bool       `json:"isSelf"`
	Muted              bool       `json:"muted"`
	CameraOff          bool       `json:"cameraOff"`
	Speaking           bool       `json:"speaking"`
	Reaction           string     `json:"reaction,omitempty"`
	Stream             *Stream    `json:"-"`
	ScreenStream       *Stream    `json:"-"`
	IsScreenSharing    bool       `json:"isScreenSharing"`
	IsJoining          bool       `json:"isJoining"`
	IsReconnecting     bool       `json:"isReconnecting"`
	ReconnectStartedAt *time.Time `json:"reconnectStartedAt,omitempty"`
	LastUpdate         time.Time  `json:"lastUpdate"`
}

// HasLiveCamera reports whether a live camera track is attached locally.
func (p *Participant) HasLiveCamera() bool {
	return p.Stream.HasLive(KindVideo)
}

// ChatMessage is one entry of the session chat buffer.
type ChatMessage struct {
	PeerID    PeerID    `json:"userId"`
	Name      string    `json:"userName"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
