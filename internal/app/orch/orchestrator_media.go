package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/proto"
)

// onSfuOpen runs after every SFU (re)connect. Negotiation failures are
// logged and left for the next reconnect.
func (o *Orchestrator) onSfuOpen() {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()

	o.mu.Lock()
	left := o.left
	o.mu.Unlock()
	if left {
		return
	}

	o.resetMedia()
	sess, err := o.Sfu.Bootstrap(o.ctx, o.cfg.Room, o.cfg.Self.PeerID, o.Factory)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("sfu bootstrap failed")
		return
	}

	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	o.Producers.SetSendTransport(sess.Send)
	o.Consumers.SetRecvTransport(o.ctx, sess.Recv, o.Factory.RTPCapabilities())
	for _, p := range sess.Existing {
		o.consume(p)
	}
	if err := o.Producers.EnsureLocalProducers(o.ctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("local producers incomplete")
	}
}

func (o *Orchestrator) onSfuClose() {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()
	o.resetMedia()
}

// resetMedia must be called with bootMu held.
func (o *Orchestrator) resetMedia() {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess == nil {
		return
	}
	o.Consumers.Reset()
	o.Producers.ResetTransport()
	sess.Close()
	log.Info().Str("module", "orch").Msg("media session reset")
}

// onSfuEvent runs on the SFU read pump and must not block on requests.
func (o *Orchestrator) onSfuEvent(ev proto.SfuEvent) {
	switch e := ev.(type) {
	case proto.NewProducer:
		o.consume(e.ProducerInfo)
	case proto.ProducerClosed:
		o.Consumers.Close(e.ProducerID)
	case proto.PeerLeft:
		o.Consumers.ClosePeer(e.PeerID)
	case proto.PeerCount:
		o.mu.Lock()
		o.peerCount = e.Count
		o.mu.Unlock()
	}
}

// consume negotiates off the read pump. Producers announced close together
// may complete out of order; the consumer map is keyed by producer id.
func (o *Orchestrator) consume(info proto.ProducerInfo) {
	if info.PeerID == o.cfg.Self.PeerID {
		return
	}
	o.Registry.EnsurePeer(info.PeerID)
	go func() {
		if err := o.Consumers.Consume(o.ctx, info); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("producer_id", info.ProducerID).Msg("consume failed")
		}
	}()
}

func (o *Orchestrator) ToggleMic() (bool, error) { return o.Producers.ToggleMic() }

func (o *Orchestrator) ToggleCam() (bool, error) { return o.Producers.ToggleCam() }

func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	return o.Producers.StartScreenShare(ctx)
}

func (o *Orchestrator) StopScreenShare(ctx context.Context) error {
	return o.Producers.StopScreenShare(ctx)
}
