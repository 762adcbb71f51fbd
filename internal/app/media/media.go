// Package media owns the lifecycle of outbound producers and inbound
// consumers on the SFU transports.
package media

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrTransportNotReady = errors.New("transport not ready")
	ErrAlreadySharing    = errors.New("screen share already active")
)

// Permission is the last known capture permission of one source.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ProducerAnnouncer tells the SFU a producer is gone.
type ProducerAnnouncer interface {
	CloseProducer(ctx context.Context, producerID string) error
}

// ConsumeRequester negotiates consumers with the SFU.
type ConsumeRequester interface {
	Consume(ctx context.Context, transportID, producerID string, caps proto.RTPCapabilities) (proto.ConsumeResponse, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
}

// StreamSink receives the per-peer streams built from consumers. Attach*
// may create the peer; Replace* only updates a peer that is still known.
type StreamSink interface {
	AttachStream(id domain.PeerID, s *domain.Stream) bool
	AttachScreen(id domain.PeerID, s *domain.Stream) bool
	ReplaceStream(id domain.PeerID, s *domain.Stream) bool
	ReplaceScreen(id domain.PeerID, s *domain.Stream) bool
}

func liveTrack(s *domain.Stream, kind domain.MediaKind) domain.Track {
	for _, t := range s.TracksOf(kind) {
		if t.Live() {
			return t
		}
	}
	return nil
}
