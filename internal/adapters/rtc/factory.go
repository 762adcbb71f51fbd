// Package rtc maps the SFU's transport, producer and consumer parameters
// onto pion's ORTC objects, and captures local media with
// pion/mediadevices.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/proto"
)

var (
	ErrNotLoaded       = errors.New("router capabilities not loaded")
	ErrNoCommonCodec   = errors.New("no codec in common with the router")
	ErrForeignTrack    = errors.New("track was not captured by this adapter")
	ErrTransportClosed = errors.New("transport closed")
	errNoEncoding      = errors.New("missing codec or encoding")
	supportedMimeType  = []string{webrtc.MimeTypeOpus, webrtc.MimeTypeVP8}
)

type Options struct {
	STUNURLs []string
}

func DefaultOptions() Options {
	return Options{STUNURLs: []string{"stun:stun.l.google.com:19302"}}
}

// Factory builds send and receive transports sharing one media engine.
type Factory struct {
	opts Options

	mu   sync.RWMutex
	api  *webrtc.API
	caps proto.RTPCapabilities
}

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// Load registers every router codec this client can encode, keeping the
// router's payload types.
func (f *Factory) Load(routerCaps proto.RTPCapabilities) error {
	me := &webrtc.MediaEngine{}
	var local proto.RTPCapabilities
	for _, c := range routerCaps.Codecs {
		if !supported(c.MimeType) {
			continue
		}
		_, typ := codecKind(c.MimeType)
		codec := codecFromCapability(c)
		if err := me.RegisterCodec(codec, typ); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
		local.Codecs = append(local.Codecs, capabilityFromCodec(codec))
	}
	if len(local.Codecs) == 0 {
		return ErrNoCommonCodec
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	f.mu.Lock()
	f.api = api
	f.caps = local
	f.mu.Unlock()
	log.Info().Str("module", "rtc").Int("codecs", len(local.Codecs)).Msg("media engine loaded")
	return nil
}

func supported(mime string) bool {
	for _, m := range supportedMimeType {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

func (f *Factory) RTPCapabilities() proto.RTPCapabilities {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.caps
}

func (f *Factory) NewSendTransport(ctx context.Context, opts proto.TransportOptions, connect core.ConnectFunc, produce core.ProduceFunc) (core.SendTransport, error) {
	t, err := f.newTransport(opts, connect)
	if err != nil {
		return nil, err
	}
	return &sendTransport{transport: t, produce: produce}, nil
}

func (f *Factory) NewRecvTransport(ctx context.Context, opts proto.TransportOptions, connect core.ConnectFunc) (core.RecvTransport, error) {
	t, err := f.newTransport(opts, connect)
	if err != nil {
		return nil, err
	}
	return &recvTransport{transport: t}, nil
}

func (f *Factory) newTransport(opts proto.TransportOptions, connect core.ConnectFunc) (*transport, error) {
	f.mu.RLock()
	api := f.api
	f.mu.RUnlock()
	if api == nil {
		return nil, ErrNotLoaded
	}

	var servers []webrtc.ICEServer
	if len(f.opts.STUNURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: f.opts.STUNURLs}}
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	remote, err := iceCandidates(opts.ICECandidates)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &transport{
		id:       opts.TransportID,
		api:      api,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		remote:   opts,
		cands:    remote,
		connect:  connect,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		log.Info().Str("module", "rtc").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Info().Str("module", "rtc").Str("transport", t.id).Str("dtls_state", s.String()).Msg("DTLS state")
	})
	return t, nil
}
