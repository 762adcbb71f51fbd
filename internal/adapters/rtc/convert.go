package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

func iceParameters(p proto.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceCandidates(in []proto.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		protocol, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Host(),
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsRole(s string) webrtc.DTLSRole {
	switch strings.ToLower(s) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toDTLS(p proto.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLS(p webrtc.DTLSParameters) proto.DTLSParameters {
	out := proto.DTLSParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, proto.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// fmtpLine renders codec parameters the way SDP a=fmtp carries them.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func feedbackTo(in []proto.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(in))
	for _, f := range in {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func feedbackFrom(in []webrtc.RTCPFeedback) []proto.RTCPFeedback {
	out := make([]proto.RTCPFeedback, 0, len(in))
	for _, f := range in {
		out = append(out, proto.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func codecKind(mime string) (domain.MediaKind, webrtc.RTPCodecType) {
	if strings.HasPrefix(strings.ToLower(mime), "video/") {
		return domain.KindVideo, webrtc.RTPCodecTypeVideo
	}
	return domain.KindAudio, webrtc.RTPCodecTypeAudio
}

func codecFromCapability(c proto.RTPCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedbackTo(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func capabilityFromCodec(c webrtc.RTPCodecParameters) proto.RTPCodecCapability {
	kind, _ := codecKind(c.MimeType)
	return proto.RTPCodecCapability{
		Kind:                 kind,
		MimeType:             c.MimeType,
		PreferredPayloadType: uint8(c.PayloadType),
		ClockRate:            c.ClockRate,
		Channels:             c.Channels,
		Parameters:           parseFmtp(c.SDPFmtpLine),
		RTCPFeedback:         feedbackFrom(c.RTCPFeedback),
	}
}

// sendParameters describes what an RTP sender emits, in the shape the SFU
// expects with produce.
func sendParameters(codec webrtc.RTPCodecParameters, ssrc webrtc.SSRC, mid string) proto.RTPParameters {
	return proto.RTPParameters{
		MID: mid,
		Codecs: []proto.RTPCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  uint8(codec.PayloadType),
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   parseFmtp(codec.SDPFmtpLine),
			RTCPFeedback: feedbackFrom(codec.RTCPFeedback),
		}},
		Encodings: []proto.RTPEncoding{{SSRC: uint32(ssrc)}},
	}
}

// receiveParameters selects the first media codec and encoding of a consumer.
func receiveParameters(p proto.RTPParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Encodings) == 0 || len(p.Codecs) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("consumer rtp parameters: %w", errNoEncoding)
	}
	var pt webrtc.PayloadType
	for _, c := range p.Codecs {
		if !strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx") {
			pt = webrtc.PayloadType(c.PayloadType)
			break
		}
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.Encodings[0].SSRC),
				PayloadType: pt,
			},
		}},
	}, nil
}
