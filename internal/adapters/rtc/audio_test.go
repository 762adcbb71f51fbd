package rtc

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"

	"github.com/dkeye/huddle/internal/domain"
)

func feed(t *RemoteTrack, payload int) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(&rtp.Packet{Payload: make([]byte, payload)})
	}
}

func TestAudioMeter(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewAudioMeter()
	m.now = func() time.Time { return now }

	a1 := newRemoteTrack("a1", domain.KindAudio)
	a2 := newRemoteTrack("a2", domain.KindAudio)
	video := newRemoteTrack("v", domain.KindVideo)
	m.Attach("p1", "a", a1)
	m.Attach("p2", "a", a2)
	m.Attach("p3", "b", video)

	feed(a1, 100)
	now = now.Add(time.Second)
	feed(a2, 50)
	feed(video, 1000)

	levels := m.Levels()
	assert.Len(t, levels, 1, "video is not metered")
	assert.Equal(t, uint64(150), levels["a"].Bytes)
	assert.Equal(t, now, levels["a"].LastPacket)

	assert.Equal(t, map[domain.PeerID]bool{"a": true}, m.Active(now.Add(-time.Millisecond)))
	assert.Empty(t, m.Active(now))

	m.Release("p1")
	m.Release("p2")
	feed(a1, 100)
	assert.Empty(t, m.Levels())
}

func TestAudioMeter_IgnoresForeignTracks(t *testing.T) {
	m := NewAudioMeter()
	m.Attach("p1", "a", nil)
	m.Release("missing")
	assert.Empty(t, m.Levels())
}
