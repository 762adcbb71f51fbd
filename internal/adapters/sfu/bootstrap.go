package sfu

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

// Bootstrap joins the room and builds the send and receive transports.
func (c *Channel) Bootstrap(ctx context.Context, room domain.RoomID, peer domain.PeerID, factory core.TransportFactory) (*core.MediaSession, error) {
	join, err := c.Join(ctx, room, peer)
	if err != nil {
		return nil, err
	}
	if err := factory.Load(join.RTPCapabilities); err != nil {
		return nil, fmt.Errorf("load router capabilities: %w", err)
	}

	sess := &core.MediaSession{RouterCaps: join.RTPCapabilities, Existing: join.ExistingProducers}

	sendOpts, err := c.CreateTransport(ctx, DirectionSend)
	if err != nil {
		return nil, err
	}
	sess.Send, err = factory.NewSendTransport(ctx, sendOpts, c.connectFunc(sendOpts.TransportID), c.produceFunc(sendOpts.TransportID))
	if err != nil {
		return nil, fmt.Errorf("send transport: %w", err)
	}

	recvOpts, err := c.CreateTransport(ctx, DirectionRecv)
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.Recv, err = factory.NewRecvTransport(ctx, recvOpts, c.connectFunc(recvOpts.TransportID))
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("recv transport: %w", err)
	}

	log.Info().
		Str("module", "sfu").
		Str("send", sess.Send.ID()).
		Str("recv", sess.Recv.ID()).
		Int("existing_producers", len(sess.Existing)).
		Msg("bootstrap complete")
	return sess, nil
}

func (c *Channel) connectFunc(transportID string) core.ConnectFunc {
	return func(ctx context.Context, dtls proto.DTLSParameters) error {
		return c.ConnectTransport(ctx, transportID, dtls)
	}
}

func (c *Channel) produceFunc(transportID string) core.ProduceFunc {
	return func(ctx context.Context, kind domain.MediaKind, rtp proto.RTPParameters, app proto.AppData) (string, error) {
		return c.Produce(ctx, transportID, kind, rtp, app)
	}
}
