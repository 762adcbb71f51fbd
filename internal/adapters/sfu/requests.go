package sfu

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

func (c *Channel) Join(ctx context.Context, room domain.RoomID, peer domain.PeerID) (proto.JoinResponse, error) {
	var resp proto.JoinResponse
	err := c.Request(ctx, proto.ActionJoin, proto.JoinRequest{RoomID: room, PeerID: peer}, &resp)
	return resp, err
}

func (c *Channel) CreateTransport(ctx context.Context, direction string) (proto.TransportOptions, error) {
	var resp proto.TransportOptions
	err := c.Request(ctx, proto.ActionCreateTransport, proto.CreateTransportRequest{Direction: direction}, &resp)
	return resp, err
}

func (c *Channel) ConnectTransport(ctx context.Context, transportID string, dtls proto.DTLSParameters) error {
	return c.Request(ctx, proto.ActionConnectTransport, proto.ConnectTransportRequest{
		TransportID:    transportID,
		DTLSParameters: dtls,
	}, nil)
}

func (c *Channel) Produce(ctx context.Context, transportID string, kind domain.MediaKind, rtp proto.RTPParameters, app proto.AppData) (string, error) {
	var resp proto.ProduceResponse
	err := c.Request(ctx, proto.ActionProduce, proto.ProduceRequest{
		TransportID:   transportID,
		Kind:          kind,
		RTPParameters: rtp,
		AppData:       app,
	}, &resp)
	return resp.ProducerID, err
}

func (c *Channel) Consume(ctx context.Context, transportID, producerID string, caps proto.RTPCapabilities) (proto.ConsumeResponse, error) {
	var resp proto.ConsumeResponse
	err := c.Request(ctx, proto.ActionConsume, proto.ConsumeRequest{
		TransportID:     transportID,
		ProducerID:      producerID,
		RTPCapabilities: caps,
	}, &resp)
	if err == nil && resp.ProducerID == "" {
		resp.ProducerID = producerID
	}
	return resp, err
}

func (c *Channel) ResumeConsumer(_ context.Context, consumerID string) error {
	return c.Notify(proto.ActionResumeConsumer, proto.ResumeConsumerRequest{ConsumerID: consumerID})
}

func (c *Channel) CloseProducer(_ context.Context, producerID string) error {
	return c.Notify(proto.ActionCloseProducer, proto.CloseProducerRequest{ProducerID: producerID})
}

// Leave tells the SFU the peer is gone and closes the socket for good.
func (c *Channel) Leave(room domain.RoomID, peer domain.PeerID) {
	frame, err := json.Marshal(proto.Request{
		Action:    proto.ActionLeave,
		RequestID: c.newID(),
		Data:      proto.LeaveRequest{RoomID: room, PeerID: peer},
	})
	if err != nil {
		log.Error().Err(err).Str("module", "sfu").Msg("leave marshal")
	}
	c.link.Stop(frame)
	c.failPending()
	log.Info().Str("module", "sfu").Msg("left")
}
