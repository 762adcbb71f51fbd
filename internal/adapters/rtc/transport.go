package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

// transport is one ICE+DTLS association with the SFU. It connects lazily,
// on the first produce or consume.
type transport struct {
	id       string
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	remote   proto.TransportOptions
	cands    []webrtc.ICECandidate
	connect  core.ConnectFunc

	connMu    sync.Mutex
	connected bool
	closeOnce sync.Once
	mids      int

	// ready is closed once the handshake finished; startErr is its outcome.
	ready    chan struct{}
	startErr error
	done     chan struct{}
}

func (t *transport) ID() string { return t.id }

// ensureConnected hands the local DTLS parameters to the SFU once, then
// starts ICE and DTLS in the background. The server is ICE-lite, so local
// candidates are never signalled.
func (t *transport) ensureConnected(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.connected {
		return nil
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	local.Role = webrtc.DTLSRoleClient
	if err := t.connect(ctx, fromDTLS(local)); err != nil {
		return err
	}
	t.connected = true
	go t.start()
	return nil
}

func (t *transport) start() {
	err := t.handshake()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("transport failed")
	} else {
		log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport connected")
	}
	t.startErr = err
	close(t.ready)
}

// handshake blocks until ICE and DTLS are up or have failed.
func (t *transport) handshake() error {
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	if err := t.ice.SetRemoteCandidates(t.cands); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlling
	if err := t.ice.Start(t.gatherer, iceParameters(t.remote.ICEParameters), &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	remote := toDTLS(t.remote.DTLSParameters)
	remote.Role = webrtc.DTLSRoleServer
	if err := t.dtls.Start(remote); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// waitConnected blocks until the handshake started by ensureConnected is
// done. Receivers need the SRTP session, which exists only afterwards.
func (t *transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.ready:
		select {
		case <-t.done:
			return ErrTransportClosed
		default:
		}
		return t.startErr
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) nextMID() string {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	mid := t.mids
	t.mids++
	return fmt.Sprint(mid)
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		if err := t.dtls.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("ice stop")
		}
		if err := t.gatherer.Close(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("gatherer close")
		}
		log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport closed")
	})
}

type sendTransport struct {
	*transport
	produce core.ProduceFunc
}

func (t *sendTransport) Produce(ctx context.Context, track domain.Track, app proto.AppData) (core.ProducerHandle, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return nil, ErrForeignTrack
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(lt.Sender(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	var ssrc webrtc.SSRC
	if len(params.Encodings) > 0 {
		ssrc = params.Encodings[0].SSRC
	}
	rtpParams := sendParameters(lt.Codec(), ssrc, t.nextMID())
	id, err := t.produce(ctx, track.Kind(), rtpParams, app)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	go drainRTCP(sender)
	return &producerHandle{id: id, sender: sender}, nil
}

// drainRTCP keeps interceptors fed; pion needs RTCP read for NACK and PLI.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type producerHandle struct {
	id     string
	sender *webrtc.RTPSender
	once   sync.Once
}

func (p *producerHandle) ID() string { return p.id }

func (p *producerHandle) Close() {
	p.once.Do(func() {
		if err := p.sender.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer_id", p.id).Msg("sender stop")
		}
	})
}

type recvTransport struct {
	*transport
}

func (t *recvTransport) Consume(ctx context.Context, c proto.ConsumeResponse) (core.ConsumerHandle, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, fmt.Errorf("recv transport %s: %w", t.id, err)
	}
	params, err := receiveParameters(c.RTPParameters)
	if err != nil {
		return nil, err
	}

	kind := webrtc.NewRTPCodecType(string(c.Kind))
	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(params); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	track := newRemoteTrack(c.ConsumerID, c.Kind)
	if remote := receiver.Track(); remote != nil {
		go track.read(remote)
	}
	return &consumerHandle{id: c.ConsumerID, receiver: receiver, track: track}, nil
}

type consumerHandle struct {
	id       string
	receiver *webrtc.RTPReceiver
	track    *RemoteTrack
	once     sync.Once
}

func (c *consumerHandle) ID() string          { return c.id }
func (c *consumerHandle) Track() domain.Track { return c.track }

func (c *consumerHandle) Close() {
	c.once.Do(func() {
		c.track.Stop()
		if err := c.receiver.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("consumer_id", c.id).Msg("receiver stop")
		}
	})
}
