package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memlearn/internal/cfg"
	"memlearn/internal/metrics"
	"memlearn/internal/ml"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// modelserver serves the active centroid model over the /predict protocol
// understood by RemoteClassifier.
func main() {
	var (
		port     = flag.Int("port", 0, "Listen port (overrides config)")
		version  = flag.String("version", "", "Model version to activate before serving")
		rollback = flag.Bool("rollback", false, "Activate the version saved before the active one")
		logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	// Setup logging
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port > 0 {
		settings.ModelPort = *port
	}

	mm, err := ml.NewModelManager(settings.ModelsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open model directory")
	}
	if *version != "" {
		if err := mm.ActivateVersion(*version); err != nil {
			log.Fatal().Err(err).Msg("Failed to activate model version")
		}
	} else if *rollback {
		if err := mm.Rollback(); err != nil {
			log.Fatal().Err(err).Msg("Rollback failed")
		}
	}

	mw := metrics.NewWrapper(metrics.New())
	centroid, err := mm.LoadActive(mw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load active model")
	}

	server := ml.NewModelServer(centroid, mm.GetCurrentVersion().Version, settings.ModelPort)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Model server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down model server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown model server")
	}
}
