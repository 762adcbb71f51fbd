package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// AudioMeter is the headless audio sink: inbound audio is not played, only
// counted per peer so the control API can tell who is sending.
type AudioMeter struct {
	mu    sync.Mutex
	now   func() time.Time
	byID  map[string]*meter
	peers map[domain.PeerID]int
}

type meter struct {
	peer  domain.PeerID
	track *RemoteTrack
	bytes uint64
	last  time.Time
}

// AudioLevel is what the meter saw from one peer.
type AudioLevel struct {
	Bytes      uint64    `json:"bytes"`
	LastPacket time.Time `json:"lastPacket"`
}

func NewAudioMeter() *AudioMeter {
	return &AudioMeter{
		now:   time.Now,
		byID:  make(map[string]*meter),
		peers: make(map[domain.PeerID]int),
	}
}

// Attach starts metering track. Tracks not read by this package are ignored.
func (a *AudioMeter) Attach(producerID string, peer domain.PeerID, track domain.Track) {
	rt, ok := track.(*RemoteTrack)
	if !ok || track.Kind() != domain.KindAudio {
		return
	}
	a.mu.Lock()
	if old, ok := a.byID[producerID]; ok {
		old.track.SetPacketSink(nil)
		a.peers[old.peer]--
	}
	m := &meter{peer: peer, track: rt}
	a.byID[producerID] = m
	a.peers[peer]++
	a.mu.Unlock()

	rt.SetPacketSink(func(p *rtp.Packet) {
		a.mu.Lock()
		m.bytes += uint64(len(p.Payload))
		m.last = a.now()
		a.mu.Unlock()
	})
	log.Debug().Str("module", "rtc.audio").Str("producer", producerID).Str("peer", string(peer)).Msg("audio attached")
}

func (a *AudioMeter) Release(producerID string) {
	a.mu.Lock()
	m, ok := a.byID[producerID]
	if ok {
		delete(a.byID, producerID)
		if a.peers[m.peer]--; a.peers[m.peer] <= 0 {
			delete(a.peers, m.peer)
		}
	}
	a.mu.Unlock()
	if ok {
		m.track.SetPacketSink(nil)
	}
}

// Levels sums the metered audio per peer.
func (a *AudioMeter) Levels() map[domain.PeerID]AudioLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[domain.PeerID]AudioLevel, len(a.peers))
	for _, m := range a.byID {
		l := out[m.peer]
		l.Bytes += m.bytes
		if m.last.After(l.LastPacket) {
			l.LastPacket = m.last
		}
		out[m.peer] = l
	}
	return out
}

// Active returns the peers that sent audio after since.
func (a *AudioMeter) Active(since time.Time) map[domain.PeerID]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[domain.PeerID]bool)
	for _, m := range a.byID {
		if m.last.After(since) {
			out[m.peer] = true
		}
	}
	return out
}
