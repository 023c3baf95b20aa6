package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/arohealth/teleconsult/internal/adapters"
	router "github.com/arohealth/teleconsult/internal/adapters/http"
	"github.com/arohealth/teleconsult/internal/app"
	"github.com/arohealth/teleconsult/internal/config"
	"github.com/arohealth/teleconsult/internal/observe"
	"github.com/arohealth/teleconsult/internal/store"
	"github.com/arohealth/teleconsult/internal/transcribe"
)

const version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	shutdownMetrics, err := observe.InitProvider(ctx, "teleconsult", version)
	if err != nil {
		log.Fatal().Err(err).Msg("metrics provider init")
	}
	met, err := observe.Default()
	if err != nil {
		log.Fatal().Err(err).Msg("metrics instruments")
	}

	signalReg := app.NewRegistry("signal", cfg.QueueCapacity, cfg.SessionGCGrace)
	captionsReg := app.NewRegistry("captions", cfg.QueueCapacity, cfg.SessionGCGrace)
	signalReg.StartJanitor(ctx, 30*time.Second)
	captionsReg.StartJanitor(ctx, 30*time.Second)
	if err := observe.RegisterActiveSessions(otel.GetMeterProvider(), func() int64 {
		return int64(signalReg.ActiveSessions())
	}); err != nil {
		log.Error().Err(err).Msg("active sessions gauge")
	}

	relay := app.NewRelay(signalReg, cfg.OfferGrace)
	stt := transcribe.NewHTTPTranscriber(cfg.BackendURL, cfg.BackendTimeout)

	var sink store.CaptionStore
	if cfg.DatabaseURL != "" {
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("caption store")
		}
		defer ps.Close()
		sink = ps
	} else {
		log.Warn().Msg("no database configured, captions will not be persisted")
	}

	ingest := app.NewIngest(captionsReg, stt, sink, met, app.IngestConfig{
		MinChunkBytes:      cfg.MinChunkBytes,
		UndersizedRunLimit: cfg.UndersizedRunLimit,
		QueueCapacity:      cfg.QueueCapacity,
		LatencyWarn:        cfg.LatencyWarn,
	})

	sctl := adapters.NewSignalController(signalReg, relay, cfg.ReadLimit)
	cctl := adapters.NewCaptionsController(captionsReg, ingest, cfg.ReadLimit, cfg.PingPeriod)

	r := router.SetupRouter(ctx, cfg, sctl, cctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("teleconsult relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
