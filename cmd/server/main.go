package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/adapters/bus"
	router "github.com/dkeye/sfucore/internal/adapters/http"
	"github.com/dkeye/sfucore/internal/adapters/mcs"
	"github.com/dkeye/sfucore/internal/app"
	"github.com/dkeye/sfucore/internal/config"
	"github.com/dkeye/sfucore/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the zerolog global logger before anything else logs.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	mcsClient, err := mcs.Dial(ctx, cfg.MCSURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.MCSURL).Msg("failed to reach media control server")
	}
	busGateway, err := bus.Dial(ctx, cfg.BusURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.BusURL).Msg("failed to reach message bus")
	}

	bridges := app.NewBridgeRegistry(mcsClient)
	policy := app.OpenPolicy{}
	registry := prometheus.NewRegistry()

	audio := app.NewManager(ctx, domain.MediaAudio, cfg, mcsClient, busGateway, policy, bridges, registry)
	video := app.NewManager(ctx, domain.MediaVideo, cfg, mcsClient, busGateway, policy, bridges, registry)
	defer audio.Close()
	defer video.Close()

	busGateway.Route(bus.TopicAudio, audio.OnMessage)
	busGateway.Route(bus.TopicVideo, video.OnMessage)

	r := router.SetupRouter(cfg, registry, audio, video)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("SFU core started")
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
	log.Info().Msg("Server exited gracefully")
}
