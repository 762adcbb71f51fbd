package core

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrPermissionDenied   = errors.New("media permission denied")
	ErrNoDevice           = errors.New("no capture device")
	ErrCaptureUnsupported = errors.New("capture unsupported on this platform")
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture tracks.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) ([]domain.Track, error)
	GetDisplayMedia(ctx context.Context) ([]domain.Track, error)
}

// ConnectFunc is invoked once per transport, before the first produce or
// consume, with the local DTLS parameters.
type ConnectFunc func(ctx context.Context, dtls proto.DTLSParameters) error

// ProduceFunc registers a freshly sending track with the SFU and returns the
// server-assigned producer id.
type ProduceFunc func(ctx context.Context, kind domain.MediaKind, rtp proto.RTPParameters, app proto.AppData) (string, error)

// ProducerHandle is the native side of an outbound producer.
type ProducerHandle interface {
	ID() string
	// Close stops sending. The track itself is not stopped.
	Close()
}

// ConsumerHandle is the native side of an inbound consumer.
type ConsumerHandle interface {
	ID() string
	Track() domain.Track
	Close()
}

type SendTransport interface {
	ID() string
	Produce(ctx context.Context, track domain.Track, app proto.AppData) (ProducerHandle, error)
	Close()
}

type RecvTransport interface {
	ID() string
	Consume(ctx context.Context, c proto.ConsumeResponse) (ConsumerHandle, error)
	Close()
}

// TransportFactory builds SFU transports from createTransport responses.
type TransportFactory interface {
	// Load configures the local media engine from the router capabilities.
	Load(routerCaps proto.RTPCapabilities) error
	// RTPCapabilities are the local receive capabilities sent with consume.
	RTPCapabilities() proto.RTPCapabilities
	NewSendTransport(ctx context.Context, opts proto.TransportOptions, connect ConnectFunc, produce ProduceFunc) (SendTransport, error)
	NewRecvTransport(ctx context.Context, opts proto.TransportOptions, connect ConnectFunc) (RecvTransport, error)
}

// MediaSession is a joined SFU room with both transports ready.
type MediaSession struct {
	RouterCaps proto.RTPCapabilities
	Send       SendTransport
	Recv       RecvTransport
	Existing   []proto.ProducerInfo
}

func (s *MediaSession) Close() {
	if s == nil {
		return
	}
	if s.Send != nil {
		s.Send.Close()
	}
	if s.Recv != nil {
		s.Recv.Close()
	}
}
