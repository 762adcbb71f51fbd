package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/proto"
)

type ProducerOptions struct {
	// RestoreDebounce delays camera auto-restore.
	RestoreDebounce time.Duration
	// Initial is used when the store holds no intent yet.
	Initial domain.Intent
	Clock   clock.Clock
}

func DefaultProducerOptions() ProducerOptions {
	return ProducerOptions{RestoreDebounce: 250 * time.Millisecond, Clock: clock.New()}
}

// LocalState is what the local participant currently shows.
type LocalState struct {
	Intent domain.Intent
	Stream *domain.Stream
	Screen *domain.Stream
}

type producer struct {
	handle core.ProducerHandle
	track  domain.Track
}

func (p *producer) live() bool { return p != nil && p.track.Live() }

// ProducerManager owns local capture, local intent and the outbound
// producers on the send transport.
type ProducerManager struct {
	devices  core.MediaDevices
	store    core.IntentStore
	announce ProducerAnnouncer
	opts     ProducerOptions

	ensureMu  sync.Mutex // single flight for EnsureLocalProducers
	restoreMu sync.Mutex // single flight for camera restore
	opMu      sync.Mutex // serializes producer negotiation

	mu           sync.Mutex
	intent       domain.Intent
	preShareCam  bool
	local        *domain.Stream
	screen       *domain.Stream
	transport    core.SendTransport
	producers    map[domain.Source]*producer
	perms        map[domain.Source]Permission
	restoreTimer *clock.Timer
	onLocal      func(LocalState)
	onIntent     func(domain.Intent)
}

func NewProducerManager(devices core.MediaDevices, store core.IntentStore, announce ProducerAnnouncer, opts ProducerOptions) *ProducerManager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	m := &ProducerManager{
		devices:   devices,
		store:     store,
		announce:  announce,
		opts:      opts,
		intent:    opts.Initial,
		producers: make(map[domain.Source]*producer),
		perms: map[domain.Source]Permission{
			domain.SourceAudio:  PermissionUnknown,
			domain.SourceCamera: PermissionUnknown,
			domain.SourceScreen: PermissionUnknown,
		},
	}
	if store != nil {
		in, ok, err := store.Load()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("module", "media.producers").Msg("load intent")
		case ok:
			m.intent = in
		}
	}
	return m
}

// OnLocalChange is called after the local intent or local streams change.
func (m *ProducerManager) OnLocalChange(fn func(LocalState)) {
	m.mu.Lock()
	m.onLocal = fn
	m.mu.Unlock()
}

// OnIntentChange is called after a toggle flipped the local intent.
func (m *ProducerManager) OnIntentChange(fn func(domain.Intent)) {
	m.mu.Lock()
	m.onIntent = fn
	m.mu.Unlock()
}

func (m *ProducerManager) Intent() domain.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intent
}

func (m *ProducerManager) Local() LocalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LocalState{Intent: m.intent, Stream: m.local, Screen: m.screen}
}

func (m *ProducerManager) Permissions() map[domain.Source]Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Source]Permission, len(m.perms))
	for k, v := range m.perms {
		out[k] = v
	}
	return out
}

// ProducerID returns the id of the live producer for source, if any.
func (m *ProducerManager) ProducerID(source domain.Source) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.producers[source]
	if !p.live() {
		return "", false
	}
	return p.handle.ID(), true
}

func (m *ProducerManager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

func (m *ProducerManager) publish() {
	m.mu.Lock()
	fn := m.onLocal
	st := LocalState{Intent: m.intent, Stream: m.local, Screen: m.screen}
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *ProducerManager) setPerm(src domain.Source, p Permission) {
	m.mu.Lock()
	m.perms[src] = p
	m.mu.Unlock()
}

// AcquireLocalMedia opens microphone and camera, falling back to
// camera-only and then microphone-only.
func (m *ProducerManager) AcquireLocalMedia(ctx context.Context) (*domain.Stream, error) {
	attempts := []core.MediaConstraints{
		{Audio: true, Video: true},
		{Video: true},
		{Audio: true},
	}
	denied := map[domain.Source]bool{}
	var lastErr error
	for _, c := range attempts {
		tracks, err := m.devices.GetUserMedia(ctx, c)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Bool("audio", c.Audio).Bool("video", c.Video).Str("module", "media.producers").Msg("getUserMedia failed")
			if errors.Is(err, core.ErrPermissionDenied) {
				denied[domain.SourceAudio] = denied[domain.SourceAudio] || c.Audio
				denied[domain.SourceCamera] = denied[domain.SourceCamera] || c.Video
			}
			if errors.Is(err, core.ErrCaptureUnsupported) {
				break
			}
			continue
		}

		stream := domain.NewStream(tracks...)
		m.mu.Lock()
		in := m.intent
		for src, kind := range map[domain.Source]domain.MediaKind{domain.SourceAudio: domain.KindAudio, domain.SourceCamera: domain.KindVideo} {
			switch {
			case stream.HasLive(kind):
				m.perms[src] = PermissionGranted
			case denied[src]:
				m.perms[src] = PermissionDenied
			}
		}
		stream.SetEnabled(domain.KindAudio, !in.Muted)
		stream.SetEnabled(domain.KindVideo, !in.CameraOff)
		old := m.local
		m.local = stream
		m.mu.Unlock()

		old.Stop()
		for _, t := range stream.Tracks() {
			m.watchLocal(t)
		}
		log.Info().
			Str("module", "media.producers").
			Bool("audio", stream.HasLive(domain.KindAudio)).
			Bool("video", stream.HasLive(domain.KindVideo)).
			Msg("local media acquired")
		m.publish()
		return stream, nil
	}

	m.mu.Lock()
	for src, d := range denied {
		if d {
			m.perms[src] = PermissionDenied
		}
	}
	m.mu.Unlock()
	return nil, fmt.Errorf("acquire local media: %w", lastErr)
}

func (m *ProducerManager) watchLocal(t domain.Track) {
	t.OnEnded(func() { m.localEnded(t) })
}

// localEnded drops an ended capture track and its producer.
func (m *ProducerManager) localEnded(t domain.Track) {
	src := domain.SourceAudio
	if t.Kind() == domain.KindVideo {
		src = domain.SourceCamera
	}
	m.mu.Lock()
	m.local = m.local.Without(t.ID())
	p := m.producers[src]
	if p != nil && p.track == t {
		delete(m.producers, src)
	} else {
		p = nil
	}
	m.mu.Unlock()

	log.Warn().Str("module", "media.producers").Str("kind", string(t.Kind())).Msg("local track ended")
	if p != nil {
		p.handle.Close()
		m.announceClose(context.Background(), p.handle.ID())
	}
	m.publish()
	if src == domain.SourceCamera {
		m.scheduleRestore()
	}
}

// SetSendTransport installs a freshly bootstrapped send transport.
func (m *ProducerManager) SetSendTransport(t core.SendTransport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// ResetTransport forgets the send transport and every producer on it,
// keeping local capture. Used when the SFU connection is lost.
func (m *ProducerManager) ResetTransport() {
	m.mu.Lock()
	old := m.producers
	m.producers = make(map[domain.Source]*producer)
	m.transport = nil
	if m.restoreTimer != nil {
		m.restoreTimer.Stop()
	}
	m.mu.Unlock()
	for _, p := range old {
		p.handle.Close()
	}
}

// EnsureLocalProducers creates whatever producers the current local media
// and intent call for. Only one call runs at a time; concurrent callers
// return immediately. It never acquires a camera itself; a missing camera
// is left to the debounced restore.
func (m *ProducerManager) EnsureLocalProducers(ctx context.Context) error {
	if !m.ensureMu.TryLock() {
		return nil
	}
	defer m.ensureMu.Unlock()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	in, local, screen, ready := m.intent, m.local, m.screen, m.transport != nil
	local.SetEnabled(domain.KindAudio, !in.Muted)
	local.SetEnabled(domain.KindVideo, !in.CameraOff)
	hasAudio := m.producers[domain.SourceAudio].live()
	hasCam := m.producers[domain.SourceCamera].live()
	hasScreen := m.producers[domain.SourceScreen].live()
	m.mu.Unlock()

	if !ready {
		return ErrTransportNotReady
	}

	var errs []error
	if t := liveTrack(local, domain.KindAudio); t != nil && !hasAudio {
		errs = append(errs, m.produce(ctx, domain.SourceAudio, t))
	}
	if t := liveTrack(local, domain.KindVideo); t != nil && !hasCam && !in.CameraOff && screen == nil {
		errs = append(errs, m.produce(ctx, domain.SourceCamera, t))
	}
	if t := liveTrack(screen, domain.KindVideo); t != nil && !hasScreen {
		errs = append(errs, m.produce(ctx, domain.SourceScreen, t))
	}
	// A wanted camera without a live track is reacquired after the debounce.
	m.scheduleRestore()
	return errors.Join(errs...)
}

// produce must be called with opMu held.
func (m *ProducerManager) produce(ctx context.Context, src domain.Source, t domain.Track) error {
	m.mu.Lock()
	tr := m.transport
	if m.producers[src].live() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if tr == nil {
		return ErrTransportNotReady
	}

	h, err := tr.Produce(ctx, t, proto.AppData{Type: src})
	if err != nil {
		log.Error().Err(err).Str("module", "media.producers").Str("source", string(src)).Msg("produce failed")
		return fmt.Errorf("produce %s: %w", src, err)
	}

	m.mu.Lock()
	if m.transport != tr {
		m.mu.Unlock()
		h.Close()
		return ErrTransportNotReady
	}
	m.producers[src] = &producer{handle: h, track: t}
	m.mu.Unlock()
	log.Info().Str("module", "media.producers").Str("source", string(src)).Str("producer_id", h.ID()).Msg("producer created")
	return nil
}

// closeProducer must be called with opMu held.
func (m *ProducerManager) closeProducer(ctx context.Context, src domain.Source, announce bool) {
	m.mu.Lock()
	p := m.producers[src]
	delete(m.producers, src)
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.handle.Close()
	if announce {
		m.announceClose(ctx, p.handle.ID())
	}
	log.Info().Str("module", "media.producers").Str("source", string(src)).Str("producer_id", p.handle.ID()).Msg("producer closed")
}

func (m *ProducerManager) announceClose(ctx context.Context, id string) {
	if m.announce == nil {
		return
	}
	if err := m.announce.CloseProducer(ctx, id); err != nil {
		log.Warn().Err(err).Str("module", "media.producers").Str("producer_id", id).Msg("closeProducer announce failed")
	}
}

func (m *ProducerManager) commitIntent(in domain.Intent) {
	if m.store != nil {
		if err := m.store.Save(in); err != nil {
			log.Warn().Err(err).Str("module", "media.producers").Msg("save intent")
		}
	}
	m.publish()
	m.mu.Lock()
	fn := m.onIntent
	m.mu.Unlock()
	if fn != nil {
		fn(in)
	}
}

// ToggleMic flips the microphone intent and returns the new muted state.
func (m *ProducerManager) ToggleMic() (bool, error) {
	m.mu.Lock()
	if m.perms[domain.SourceAudio] == PermissionDenied {
		muted := m.intent.Muted
		m.mu.Unlock()
		return muted, core.ErrPermissionDenied
	}
	m.intent.Muted = !m.intent.Muted
	in := m.intent
	m.local.SetEnabled(domain.KindAudio, !in.Muted)
	m.mu.Unlock()

	log.Info().Str("module", "media.producers").Bool("muted", in.Muted).Msg("mic toggled")
	m.commitIntent(in)
	return in.Muted, nil
}

// ToggleCam flips the camera intent and returns the new cameraOff state.
// Turning the camera on without a live camera producer schedules a restore.
func (m *ProducerManager) ToggleCam() (bool, error) {
	m.mu.Lock()
	if m.perms[domain.SourceCamera] == PermissionDenied {
		off := m.intent.CameraOff
		m.mu.Unlock()
		return off, core.ErrPermissionDenied
	}
	m.intent.CameraOff = !m.intent.CameraOff
	in := m.intent
	m.local.SetEnabled(domain.KindVideo, !in.CameraOff)
	m.mu.Unlock()

	log.Info().Str("module", "media.producers").Bool("camera_off", in.CameraOff).Msg("camera toggled")
	m.commitIntent(in)
	if !in.CameraOff {
		m.scheduleRestore()
	}
	return in.CameraOff, nil
}

func (m *ProducerManager) restoreWantedLocked() bool {
	return !m.intent.CameraOff &&
		!m.producers[domain.SourceCamera].live() &&
		m.screen == nil &&
		m.transport != nil
}

// scheduleRestore arms the debounced camera restore when it is wanted.
func (m *ProducerManager) scheduleRestore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.restoreWantedLocked() {
		return
	}
	if m.restoreTimer != nil {
		m.restoreTimer.Stop()
	}
	m.restoreTimer = m.opts.Clock.AfterFunc(m.opts.RestoreDebounce, func() {
		if err := m.RestoreCamera(context.Background()); err != nil {
			log.Warn().Err(err).Str("module", "media.producers").Msg("camera restore failed")
		}
	})
}

// RestoreCamera brings back the camera producer if camera intent is on and
// nothing else holds the video slot. Re-entrant calls return immediately.
func (m *ProducerManager) RestoreCamera(ctx context.Context) error {
	if !m.restoreMu.TryLock() {
		return nil
	}
	defer m.restoreMu.Unlock()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.restoreCameraLocked(ctx)
}

// restoreCameraLocked must be called with opMu held.
func (m *ProducerManager) restoreCameraLocked(ctx context.Context) error {
	m.mu.Lock()
	if !m.restoreWantedLocked() {
		m.mu.Unlock()
		return nil
	}
	t := liveTrack(m.local, domain.KindVideo)
	m.mu.Unlock()

	if t == nil {
		tracks, err := m.devices.GetUserMedia(ctx, core.MediaConstraints{Video: true})
		if err != nil {
			if errors.Is(err, core.ErrPermissionDenied) {
				m.setPerm(domain.SourceCamera, PermissionDenied)
			}
			return fmt.Errorf("reacquire camera: %w", err)
		}
		for _, c := range tracks {
			if c.Kind() == domain.KindVideo && t == nil {
				t = c
				continue
			}
			c.Stop()
		}
		if t == nil {
			return core.ErrNoDevice
		}
		m.watchLocal(t)
		m.mu.Lock()
		m.perms[domain.SourceCamera] = PermissionGranted
		m.local = m.local.With(t)
		m.mu.Unlock()
	}
	t.SetEnabled(true)

	if err := m.produce(ctx, domain.SourceCamera, t); err != nil {
		return err
	}
	log.Info().Str("module", "media.producers").Msg("camera restored")
	m.publish()
	return nil
}

// StartScreenShare replaces the camera producer with a display capture.
// Audio keeps flowing.
func (m *ProducerManager) StartScreenShare(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch {
	case m.screen != nil:
		m.mu.Unlock()
		return ErrAlreadySharing
	case m.transport == nil:
		m.mu.Unlock()
		return ErrTransportNotReady
	}
	m.mu.Unlock()

	tracks, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		if errors.Is(err, core.ErrPermissionDenied) {
			m.setPerm(domain.SourceScreen, PermissionDenied)
		}
		return fmt.Errorf("display capture: %w", err)
	}
	screen := domain.NewStream(tracks...)
	video := liveTrack(screen, domain.KindVideo)
	if video == nil {
		screen.Stop()
		return core.ErrNoDevice
	}

	m.mu.Lock()
	m.perms[domain.SourceScreen] = PermissionGranted
	m.preShareCam = !m.intent.CameraOff
	camWasOn := m.preShareCam
	m.screen = screen
	if m.restoreTimer != nil {
		m.restoreTimer.Stop()
	}
	m.mu.Unlock()

	video.OnEnded(func() {
		log.Info().Str("module", "media.producers").Msg("screen capture ended by source")
		if err := m.stopScreen(context.Background(), screen); err != nil {
			log.Warn().Err(err).Str("module", "media.producers").Msg("stop screen share")
		}
	})

	m.closeProducer(ctx, domain.SourceCamera, true)
	if err := m.produce(ctx, domain.SourceScreen, video); err != nil {
		m.mu.Lock()
		m.screen = nil
		m.mu.Unlock()
		screen.Stop()
		m.publish()
		if rerr := m.restoreCameraLocked(ctx); rerr != nil {
			log.Warn().Err(rerr).Str("module", "media.producers").Msg("camera restore after failed share")
		}
		return err
	}
	log.Info().Str("module", "media.producers").Bool("camera_was_on", camWasOn).Msg("screen share started")
	m.publish()
	return nil
}

// StopScreenShare ends the share and restores the camera if the current
// camera intent is on.
func (m *ProducerManager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	screen := m.screen
	m.mu.Unlock()
	return m.stopScreen(ctx, screen)
}

func (m *ProducerManager) stopScreen(ctx context.Context, screen *domain.Stream) error {
	if screen == nil {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.screen != screen {
		m.mu.Unlock()
		return nil
	}
	m.screen = nil
	m.mu.Unlock()

	m.closeProducer(ctx, domain.SourceScreen, true)
	screen.Stop()
	log.Info().Str("module", "media.producers").Msg("screen share stopped")
	m.publish()
	return m.restoreCameraLocked(ctx)
}

// CloseAll stops every producer and every local capture track.
func (m *ProducerManager) CloseAll() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.restoreTimer != nil {
		m.restoreTimer.Stop()
	}
	prods := m.producers
	m.producers = make(map[domain.Source]*producer)
	local, screen := m.local, m.screen
	m.local, m.screen, m.transport = nil, nil, nil
	m.mu.Unlock()

	for _, p := range prods {
		p.handle.Close()
	}
	local.Stop()
	screen.Stop()
	log.Info().Str("module", "media.producers").Int("producers", len(prods)).Msg("all producers closed")
	m.publish()
}
