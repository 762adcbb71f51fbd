package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

func TestFmtp(t *testing.T) {
	line := fmtpLine(map[string]any{"useinbandfec": 1, "minptime": 10})
	assert.Equal(t, "minptime=10;useinbandfec=1", line)
	assert.Empty(t, fmtpLine(nil))

	assert.Equal(t, map[string]any{"minptime": "10", "useinbandfec": "1"}, parseFmtp("minptime=10; useinbandfec=1;junk"))
	assert.Nil(t, parseFmtp(""))
}

func TestIceCandidates(t *testing.T) {
	out, err := iceCandidates([]proto.ICECandidate{
		{Foundation: "udp1", Priority: 100, IP: "10.0.0.1", Protocol: "UDP", Port: 40000, Type: "host"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "10.0.0.1", out[0].Address)
	assert.Equal(t, webrtc.ICEProtocolUDP, out[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, out[0].Typ)

	_, err = iceCandidates([]proto.ICECandidate{{Foundation: "x", Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)
}

func TestDTLS(t *testing.T) {
	in := proto.DTLSParameters{Role: "server", Fingerprints: []proto.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}}

	out := toDTLS(in)

	assert.Equal(t, webrtc.DTLSRoleServer, out.Role)
	assert.Equal(t, "AB:CD", out.Fingerprints[0].Value)
	assert.Equal(t, webrtc.DTLSRoleAuto, dtlsRole("whatever"))
	assert.Equal(t, "AB:CD", fromDTLS(out).Fingerprints[0].Value)
}

func TestCodecCapability(t *testing.T) {
	c := proto.RTPCodecCapability{
		Kind:                 domain.KindVideo,
		MimeType:             "video/VP8",
		PreferredPayloadType: 96,
		ClockRate:            90000,
		RTCPFeedback:         []proto.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
	}

	codec := codecFromCapability(c)
	assert.Equal(t, webrtc.PayloadType(96), codec.PayloadType)
	assert.Len(t, codec.RTCPFeedback, 2)

	back := capabilityFromCodec(codec)
	assert.Equal(t, domain.KindVideo, back.Kind)
	assert.Equal(t, c.RTCPFeedback, back.RTCPFeedback)

	kind, typ := codecKind("audio/opus")
	assert.Equal(t, domain.KindAudio, kind)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, typ)
}

func TestSendParameters(t *testing.T) {
	codec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10"},
		PayloadType:        111,
	}

	p := sendParameters(codec, 1234, "0")

	assert.Equal(t, "0", p.MID)
	require.Len(t, p.Codecs, 1)
	assert.Equal(t, uint8(111), p.Codecs[0].PayloadType)
	assert.Equal(t, map[string]any{"minptime": "10"}, p.Codecs[0].Parameters)
	assert.Equal(t, []proto.RTPEncoding{{SSRC: 1234}}, p.Encodings)
}

func TestReceiveParameters(t *testing.T) {
	p := proto.RTPParameters{
		Codecs: []proto.RTPCodecParameters{
			{MimeType: "video/rtx", PayloadType: 97},
			{MimeType: "video/VP8", PayloadType: 96},
		},
		Encodings: []proto.RTPEncoding{{SSRC: 42}},
	}

	out, err := receiveParameters(p)
	require.NoError(t, err)
	require.Len(t, out.Encodings, 1)
	assert.Equal(t, webrtc.SSRC(42), out.Encodings[0].SSRC)
	assert.Equal(t, webrtc.PayloadType(96), out.Encodings[0].PayloadType)

	_, err = receiveParameters(proto.RTPParameters{Codecs: p.Codecs})
	assert.ErrorIs(t, err, errNoEncoding)
}
