package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/adapters/sfu"
	sig "github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/media"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/prefs"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	self, err := domain.NewIdentity(cfg.PeerID, cfg.DisplayName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	meter := rtc.NewAudioMeter()
	session, err := build(cfg, self, meter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session")
	}

	srv := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: router.SetupRouter(cfg, session, meter),
	}
	go func() {
		log.Info().Str("addr", cfg.ControlAddr).Msg("control api started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	if err := session.Join(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	if !session.Exit() {
		log.Info().Msg("teardown deferred until picture-in-picture ends; signal again to force")
		<-sigs
		if !session.RunDeferredTeardown() {
			session.Leave()
		}
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("exited gracefully")
}

func build(cfg *config.Config, self domain.Identity, meter *rtc.AudioMeter) (*orch.Orchestrator, error) {
	clk := clock.New()
	policy := app.DefaultBackoff()

	store, err := prefs.NewFileStore(cfg.PrefsDir)
	if err != nil {
		return nil, err
	}

	var devices core.MediaDevices
	if d, err := rtc.NewDevices(rtc.DefaultCaptureOptions()); err != nil {
		log.Warn().Err(err).Msg("capture unavailable, running receive-only")
		devices = unsupportedDevices{}
	} else {
		devices = d
	}

	sfuCh := sfu.NewChannel(ws.NewDialer("sfu", ws.DefaultOptions()), sfu.Options{
		RequestTimeout: cfg.RequestTimeout,
		Policy:         policy,
		Clock:          clk,
	})

	producers := media.NewProducerManager(devices, store, sfuCh, media.ProducerOptions{
		RestoreDebounce: cfg.CameraRestoreDebounce,
		Initial:         cfg.Intent(),
		Clock:           clk,
	})

	sigOpts := sig.DefaultOptions()
	sigOpts.PingPeriod = cfg.PingPeriod
	sigOpts.ResendDelay = cfg.StateResendDelay
	sigOpts.Policy = policy
	sigOpts.Clock = clk
	signalCh := sig.NewChannel(ws.NewDialer("signal", ws.DefaultOptions()), producers, sigOpts)

	reg := app.NewRegistry(self, producers, clk, app.RegistryOptions{
		JoinWindow:        cfg.JoinWindow,
		ReconnectDebounce: cfg.ReconnectDebounce,
		ReactionTTL:       cfg.ReactionTTL,
	})

	return orch.New(orch.Config{
		SignalURL: cfg.SignalURL,
		SfuURL:    cfg.SfuURL,
		Room:      domain.RoomID(cfg.RoomID),
		Self:      self,
	}, &orch.Orchestrator{
		Signal:       signalCh,
		Sfu:          sfuCh,
		Factory:      rtc.NewFactory(rtc.Options{STUNURLs: cfg.STUNURLs}),
		Producers:    producers,
		Consumers:    media.NewConsumerManager(self.PeerID, sfuCh, reg, meter),
		Registry:     reg,
		Presentation: app.NewPresentation(reg),
		Chat:         app.NewChatLog(cfg.ChatHistory),
		Clock:        clk,
		Activity:     meter,
	}), nil
}

type unsupportedDevices struct{}

func (unsupportedDevices) GetUserMedia(context.Context, core.MediaConstraints) ([]domain.Track, error) {
	return nil, core.ErrCaptureUnsupported
}

func (unsupportedDevices) GetDisplayMedia(context.Context) ([]domain.Track, error) {
	return nil, core.ErrCaptureUnsupported
}
