package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/arohealth/teleconsult/internal/client"
	"github.com/arohealth/teleconsult/internal/config"
	"github.com/arohealth/teleconsult/internal/domain"
)

// Headless consultation peer: joins a session, negotiates the media path
// and streams synthetic audio for captioning. Useful for soak tests and
// for exercising the relay without a browser.
func main() {
	var (
		serverURL    = flag.String("server", "http://localhost:8080", "relay base URL")
		consultation = flag.String("consultation", "demo", "consultation id")
		roleName     = flag.String("role", "doctor", "doctor or patient")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	role, err := domain.ParseRole(*roleName)
	if err != nil {
		log.Fatal().Str("role", *roleName).Msg("role must be doctor or patient")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wsBase := "ws" + strings.TrimPrefix(*serverURL, "http")
	healthURL := *serverURL + "/health"

	signalCh := client.NewChannel(client.ChannelConfig{
		URL:       fmt.Sprintf("%s/api/ws/signal/%s/%s", wsBase, *consultation, role),
		HealthURL: healthURL,
		QueueCap:  cfg.QueueCapacity,
		Base:      cfg.ReconnectBase,
		Max:       cfg.ReconnectCap,
		Attempts:  cfg.ReconnectAttempts,
	})
	audioCh := client.NewChannel(client.ChannelConfig{
		URL:       fmt.Sprintf("%s/api/ws/captions/%s/%s", wsBase, *consultation, role),
		HealthURL: healthURL,
		Binary:    true,
		QueueCap:  cfg.QueueCapacity,
		Base:      cfg.ReconnectBase,
		Max:       cfg.ReconnectCap,
		Attempts:  cfg.ReconnectAttempts,
	})

	transport, err := client.NewPeerTransport(cfg.STUNURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("peer transport")
	}
	defer transport.Close()
	negotiator := client.NewNegotiator(transport, signalCh.Send)

	source := client.NewSyntheticSource(cfg.ChunkCadence, 3200)
	if err := source.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("capture start")
	}
	defer source.Close()
	supervisor := client.NewCaptureSupervisor(source, cfg.CaptureHealthInterval)

	streamer := client.NewCaptionStreamer(audioCh, source, cfg.PingPeriod, func(m domain.CaptionMessage) {
		log.Info().Str("speaker", m.Speaker.String()).Bool("own", m.Own).
			Str("text", m.Text).Msg("caption")
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return signalCh.Run(ctx) })
	g.Go(func() error {
		for ev := range signalCh.Events() {
			switch ev.Kind {
			case client.EventOpen:
				log.Info().Str("module", "peer").Msg("signaling channel open")
			case client.EventFrame:
				negotiator.HandleSignal(ev.Frame)
			case client.EventDisconnected:
				log.Warn().Err(ev.Err).Str("module", "peer").Msg("signaling channel dropped")
			case client.EventExhausted:
				return ev.Err
			}
		}
		return nil
	})
	g.Go(func() error { return audioCh.Run(ctx) })
	g.Go(func() error { return streamer.Run(ctx) })
	g.Go(func() error { return supervisor.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("peer stopped")
		os.Exit(1)
	}
	log.Info().Msg("peer exited")
}
