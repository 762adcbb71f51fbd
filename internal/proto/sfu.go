package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	ActionJoin             = "join"
	ActionCreateTransport  = "createTransport"
	ActionConnectTransport = "connectTransport"
	ActionProduce          = "produce"
	ActionConsume          = "consume"
	ActionResumeConsumer   = "resumeConsumer"
	ActionCloseProducer    = "closeProducer"
	ActionLeave            = "leave"

	EventNewProducer    = "newProducer"
	EventProducerClosed = "producerClosed"
	EventPeerLeft       = "peerLeft"
	EventPeerCount      = "peerCount"

	suffixResponse = ":response"
	suffixError    = ":error"
)

// Request is an outbound action correlated by RequestID.
type Request struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`
	Data      any    `json:"data,omitempty"`
}

// Envelope is any inbound SFU frame: a correlated response/error or an
// unsolicited event.
type Envelope struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e Envelope) IsResponse() bool {
	return e.RequestID != "" &&
		(strings.HasSuffix(e.Action, suffixResponse) || strings.HasSuffix(e.Action, suffixError))
}

func (e Envelope) IsError() bool {
	return strings.HasSuffix(e.Action, suffixError) || e.Error != ""
}

// AppData travels with producers so consumers can tell camera from screen.
type AppData struct {
	Type domain.Source `json:"type"`
}

// ProducerInfo describes a remote producer.
type ProducerInfo struct {
	ProducerID string        `json:"producerId"`
	PeerID     domain.PeerID `json:"peerId"`
	AppData    AppData       `json:"appData"`
}

func (p ProducerInfo) IsScreen() bool { return p.AppData.Type == domain.SourceScreen }

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip,omitempty"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// Host returns the candidate address, whichever field the server filled.
func (c ICECandidate) Host() string {
	if c.Address != "" {
		return c.Address
	}
	return c.IP
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback   `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind domain.MediaKind `json:"kind,omitempty"`
	URI  string           `json:"uri"`
	ID   int              `json:"preferredId,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
}

// Request payloads.

type JoinRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID    string         `json:"transportId"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	TransportID   string           `json:"transportId"`
	Kind          domain.MediaKind `json:"kind"`
	RTPParameters RTPParameters    `json:"rtpParameters"`
	AppData       AppData          `json:"appData"`
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type LeaveRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

// Response payloads.

type JoinResponse struct {
	RTPCapabilities   RTPCapabilities `json:"rtpCapabilities"`
	ExistingProducers []ProducerInfo  `json:"existingProducers"`
}

type TransportOptions struct {
	TransportID    string         `json:"transportId"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

type ConsumeResponse struct {
	ConsumerID    string           `json:"consumerId"`
	ProducerID    string           `json:"producerId,omitempty"`
	Kind          domain.MediaKind `json:"kind"`
	RTPParameters RTPParameters    `json:"rtpParameters"`
	AppData       AppData          `json:"appData"`
	PeerID        domain.PeerID    `json:"peerId"`
}

// Unsolicited events.

type SfuEvent interface {
	EventName() string
}

type NewProducer struct{ ProducerInfo }
type ProducerClosed struct{ ProducerInfo }

type PeerLeft struct {
	PeerID domain.PeerID `json:"peerId"`
}

type PeerCount struct {
	Count int `json:"count"`
}

func (NewProducer) EventName() string    { return EventNewProducer }
func (ProducerClosed) EventName() string { return EventProducerClosed }
func (PeerLeft) EventName() string       { return EventPeerLeft }
func (PeerCount) EventName() string      { return EventPeerCount }

// DecodeEvent turns an unsolicited envelope into a typed event. ok is false for
// actions this client does not handle.
func DecodeEvent(env Envelope) (ev SfuEvent, ok bool, err error) {
	switch env.Action {
	case EventNewProducer:
		var p NewProducer
		err = unmarshalData(env, &p.ProducerInfo)
		ev = p
	case EventProducerClosed:
		var p ProducerClosed
		err = unmarshalData(env, &p.ProducerInfo)
		ev = p
	case EventPeerLeft:
		var p PeerLeft
		err = unmarshalData(env, &p)
		ev = p
	case EventPeerCount:
		var p PeerCount
		err = unmarshalData(env, &p)
		ev = p
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: empty data", env.Action)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Action, err)
	}
	return nil
}
