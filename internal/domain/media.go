package domain

import "github.com/google/uuid"

// MediaKind is the RTP media kind of a track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Source tells which local capture a producer or remote consumer carries.
type Source string

const (
	SourceAudio  Source = "audio"
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
)

func (s Source) MediaKind() MediaKind {
	if s == SourceAudio {
		return KindAudio
	}
	return KindVideo
}

// Track is a single media track, local or remote.
// OnEnded fires when the source ends the track (device unplugged, capture
// stopped by the OS); it does not fire for Stop.
type Track interface {
	ID() string
	Kind() MediaKind
	Live() bool
	Enabled() bool
	SetEnabled(bool)
	Stop()
	OnEnded(func())
}

// Stream is an immutable group of tracks. Every change produces a new Stream
// with a new id so observers can detect replacement by identity.
type Stream struct {
	id     string
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Stream{id: uuid.NewString(), tracks: out}
}

func (s *Stream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) TracksOf(kind MediaKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// HasLive reports whether the stream carries a live track of kind.
func (s *Stream) HasLive(kind MediaKind) bool {
	for _, t := range s.TracksOf(kind) {
		if t.Live() {
			return true
		}
	}
	return false
}

// With returns a new stream holding t plus every live track of s whose kind
// differs from t. Tracks of the same kind are replaced.
func (s *Stream) With(t Track) *Stream {
	var keep []Track
	for _, cur := range s.Tracks() {
		if cur.Kind() != t.Kind() && cur.Live() {
			keep = append(keep, cur)
		}
	}
	return NewStream(append(keep, t)...)
}

// Without returns a new stream lacking the track with id and any ended
// tracks, or nil when nothing live remains.
func (s *Stream) Without(trackID string) *Stream {
	var keep []Track
	for _, cur := range s.Tracks() {
		if cur.ID() != trackID && cur.Live() {
			keep = append(keep, cur)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	return NewStream(keep...)
}

// SetEnabled toggles every track of kind.
func (s *Stream) SetEnabled(kind MediaKind, enabled bool) {
	for _, t := range s.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
}

func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
