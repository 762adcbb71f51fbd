package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

type consumer struct {
	info   proto.ProducerInfo
	handle core.ConsumerHandle
	track  domain.Track
}

// ConsumerManager turns remote producers into per-peer streams. A producer
// id is consumed at most once. Requests that arrive before the receive
// transport exists are queued and drained in arrival order; once the
// transport is ready, concurrent Consume calls negotiate in whatever order
// they run.
type ConsumerManager struct {
	sfu   ConsumeRequester
	sink  StreamSink
	audio core.AudioSink
	self  domain.PeerID

	mu        sync.Mutex
	transport core.RecvTransport
	caps      proto.RTPCapabilities
	gen       uint64
	queue     []proto.ProducerInfo
	inflight  map[string]domain.PeerID
	dropped   map[string]struct{}
	consumers map[string]*consumer
	streams   map[domain.PeerID]*domain.Stream
	screens   map[domain.PeerID]*domain.Stream
}

func NewConsumerManager(self domain.PeerID, sfu ConsumeRequester, sink StreamSink, audio core.AudioSink) *ConsumerManager {
	if audio == nil {
		audio = core.NopAudioSink{}
	}
	return &ConsumerManager{
		sfu:       sfu,
		sink:      sink,
		audio:     audio,
		self:      self,
		inflight:  make(map[string]domain.PeerID),
		dropped:   make(map[string]struct{}),
		consumers: make(map[string]*consumer),
		streams:   make(map[domain.PeerID]*domain.Stream),
		screens:   make(map[domain.PeerID]*domain.Stream),
	}
}

// SetRecvTransport installs the receive transport and drains the queue.
func (m *ConsumerManager) SetRecvTransport(ctx context.Context, t core.RecvTransport, caps proto.RTPCapabilities) {
	m.mu.Lock()
	m.transport = t
	m.caps = caps
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(queued) > 0 {
		log.Debug().Str("module", "media.consumers").Int("queued", len(queued)).Msg("draining consume queue")
	}
	for _, info := range queued {
		if err := m.Consume(ctx, info); err != nil {
			log.Warn().Err(err).Str("module", "media.consumers").Str("producer_id", info.ProducerID).Msg("queued consume failed")
		}
	}
}

func (m *ConsumerManager) queuedLocked(id string) bool {
	for _, q := range m.queue {
		if q.ProducerID == id {
			return true
		}
	}
	return false
}

// Consume requests a consumer for a remote producer. Duplicate
// announcements and the local peer's own producers are ignored.
func (m *ConsumerManager) Consume(ctx context.Context, info proto.ProducerInfo) error {
	if info.ProducerID == "" || info.PeerID == m.self {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.consumers[info.ProducerID]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.inflight[info.ProducerID]; ok {
		m.mu.Unlock()
		return nil
	}
	if m.transport == nil {
		if !m.queuedLocked(info.ProducerID) {
			m.queue = append(m.queue, info)
			log.Debug().Str("module", "media.consumers").Str("producer_id", info.ProducerID).Msg("transport not ready, queued")
		}
		m.mu.Unlock()
		return nil
	}
	m.inflight[info.ProducerID] = info.PeerID
	t, caps, gen := m.transport, m.caps, m.gen
	m.mu.Unlock()

	c, err := m.negotiate(ctx, t, caps, info)

	m.mu.Lock()
	delete(m.inflight, info.ProducerID)
	_, dropped := m.dropped[info.ProducerID]
	delete(m.dropped, info.ProducerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if gen != m.gen {
		m.mu.Unlock()
		c.handle.Close()
		return ErrTransportNotReady
	}
	if dropped {
		m.mu.Unlock()
		c.handle.Close()
		log.Debug().Str("module", "media.consumers").Str("producer_id", info.ProducerID).Msg("producer closed during consume")
		return nil
	}
	m.consumers[info.ProducerID] = c
	peer := c.info.PeerID
	var stream *domain.Stream
	screen := c.info.IsScreen()
	if screen {
		stream = domain.NewStream(c.track)
		m.screens[peer] = stream
	} else {
		stream = m.streams[peer].With(c.track)
		m.streams[peer] = stream
	}
	m.mu.Unlock()

	if c.track.Kind() == domain.KindAudio {
		m.audio.Attach(info.ProducerID, peer, c.track)
	}
	if screen {
		m.sink.AttachScreen(peer, stream)
	} else {
		m.sink.AttachStream(peer, stream)
	}
	c.track.OnEnded(func() { m.Close(info.ProducerID) })

	if err := m.sfu.ResumeConsumer(ctx, c.handle.ID()); err != nil {
		log.Warn().Err(err).Str("module", "media.consumers").Str("consumer_id", c.handle.ID()).Msg("resume consumer failed")
	}
	log.Info().
		Str("module", "media.consumers").
		Str("peer", string(peer)).
		Str("producer_id", info.ProducerID).
		Str("kind", string(c.track.Kind())).
		Bool("screen", screen).
		Msg("consumer created")
	return nil
}

func (m *ConsumerManager) negotiate(ctx context.Context, t core.RecvTransport, caps proto.RTPCapabilities, info proto.ProducerInfo) (*consumer, error) {
	resp, err := m.sfu.Consume(ctx, t.ID(), info.ProducerID, caps)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", info.ProducerID, err)
	}
	if resp.PeerID == "" {
		resp.PeerID = info.PeerID
	}
	if resp.AppData.Type == "" {
		resp.AppData = info.AppData
	}
	h, err := t.Consume(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", info.ProducerID, err)
	}
	return &consumer{
		info:   proto.ProducerInfo{ProducerID: info.ProducerID, PeerID: resp.PeerID, AppData: resp.AppData},
		handle: h,
		track:  h.Track(),
	}, nil
}

// Close tears down the consumer of a producer and rebuilds the peer's
// stream without it. Participant flags are left alone.
func (m *ConsumerManager) Close(producerID string) {
	m.mu.Lock()
	for i, q := range m.queue {
		if q.ProducerID == producerID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	if _, ok := m.inflight[producerID]; ok {
		m.dropped[producerID] = struct{}{}
	}
	c, ok := m.consumers[producerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.consumers, producerID)
	peer := c.info.PeerID
	screen := c.info.IsScreen()
	var stream *domain.Stream
	if screen {
		delete(m.screens, peer)
	} else {
		stream = m.streams[peer].Without(c.track.ID())
		if stream == nil {
			delete(m.streams, peer)
		} else {
			m.streams[peer] = stream
		}
	}
	m.mu.Unlock()

	c.handle.Close()
	m.audio.Release(producerID)
	if screen {
		m.sink.ReplaceScreen(peer, nil)
	} else {
		m.sink.ReplaceStream(peer, stream)
	}
	log.Info().Str("module", "media.consumers").Str("peer", string(peer)).Str("producer_id", producerID).Msg("consumer closed")
}

// ClosePeer closes every consumer of a peer.
func (m *ConsumerManager) ClosePeer(peer domain.PeerID) {
	m.mu.Lock()
	var ids []string
	for id, c := range m.consumers {
		if c.info.PeerID == peer {
			ids = append(ids, id)
		}
	}
	for id, p := range m.inflight {
		if p == peer {
			m.dropped[id] = struct{}{}
		}
	}
	kept := m.queue[:0]
	for _, q := range m.queue {
		if q.PeerID != peer {
			kept = append(kept, q)
		}
	}
	m.queue = kept
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Reset drops the receive transport and every consumer. In-flight
// negotiations started before the reset are discarded when they complete.
func (m *ConsumerManager) Reset() {
	m.mu.Lock()
	m.gen++
	m.transport = nil
	old := m.consumers
	peers := make(map[domain.PeerID]struct{}, len(m.streams)+len(m.screens))
	for p := range m.streams {
		peers[p] = struct{}{}
	}
	for p := range m.screens {
		peers[p] = struct{}{}
	}
	m.consumers = make(map[string]*consumer)
	m.inflight = make(map[string]domain.PeerID)
	m.dropped = make(map[string]struct{})
	m.streams = make(map[domain.PeerID]*domain.Stream)
	m.screens = make(map[domain.PeerID]*domain.Stream)
	m.queue = nil
	m.mu.Unlock()

	for id, c := range old {
		c.handle.Close()
		m.audio.Release(id)
	}
	for p := range peers {
		m.sink.ReplaceStream(p, nil)
		m.sink.ReplaceScreen(p, nil)
	}
	log.Info().Str("module", "media.consumers").Int("consumers", len(old)).Msg("consumers reset")
}

func (m *ConsumerManager) Has(producerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consumers[producerID]
	return ok
}

func (m *ConsumerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}

func (m *ConsumerManager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Streams returns the merged camera/mic stream and the screen stream
// currently built for peer.
func (m *ConsumerManager) Streams(peer domain.PeerID) (stream, screen *domain.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[peer], m.screens[peer]
}
