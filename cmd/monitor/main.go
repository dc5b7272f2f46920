package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"memlearn/internal/cfg"
	"memlearn/internal/common"
	"memlearn/internal/metrics"
	"memlearn/internal/ml"
	"memlearn/internal/monitor"
	"memlearn/internal/storage"
	"memlearn/internal/tracefeed"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		feedURL  = flag.String("feed", "", "Tracer websocket URL (overrides config)")
		variant  = flag.String("variant", common.VariantFiltered, "Corpus variant the model was trained on")
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
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *feedURL != "" {
		settings.FeedURL = *feedURL
	}
	if settings.FeedURL == "" {
		log.Fatal().Msg("no trace feed configured, set FEED_URL or -feed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store := initializeStorage(settings)
	if store != nil {
		defer store.Close()
	}

	detector := initializeDetector(settings, store, *variant, mw)
	api := monitor.NewAPI(detector, corpusStore(store), prometheus.DefaultGatherer, settings.MetricsPort)
	if err := api.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start monitor API")
	}
	defer api.Stop()

	// Create communication channels
	frames := make(chan tracefeed.Frame, 64)
	verdicts := make(chan monitor.Verdict, 64)
	errs := make(chan error, 32)

	var wg sync.WaitGroup
	ws := tracefeed.NewWS(settings.FeedURL, settings.Ping, mw)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Stream(ctx, frames, errs); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Trace feed ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := detector.Run(ctx, frames, verdicts); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Detector stopped")
		}
	}()

	startVerdictPublisher(ctx, &wg, verdicts, api)
	startErrorHandler(ctx, &wg, errs, mw)

	waitForShutdown(ctx, cancel, &wg)
}

// initializeStorage opens the corpus store read-only, continuing without it on failure
func initializeStorage(c cfg.Settings) *storage.Store {
	store, err := storage.OpenReadOnly(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("corpus store unavailable, serving without corpus routes")
		return nil
	}
	return store
}

// corpusStore keeps a nil *storage.Store from becoming a non-nil interface
func corpusStore(store *storage.Store) monitor.CorpusStore {
	if store == nil {
		return nil
	}
	return store
}

// initializeDetector loads the active model, wraps it in the remote classifier
// when MODEL_URL is set and builds the detector.
func initializeDetector(c cfg.Settings, store *storage.Store, variant string, mw *metrics.MetricsWrapper) *monitor.Detector {
	vec, err := c.Vectorizer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid vectorizer settings")
	}

	var mask []bool
	if store != nil {
		if mask, err = store.Mask(variant); err != nil {
			log.Fatal().Err(err).Str("variant", variant).Msg("Failed to read column mask")
		}
	} else if variant != common.VariantRaw {
		log.Fatal().Str("variant", variant).Msg("the column mask needs the corpus store")
	}

	var classifier ml.Classifier
	mm, err := ml.NewModelManager(c.ModelsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open model directory")
	}
	local, err := mm.LoadActive(mw)
	if err != nil {
		log.Warn().Err(err).Msg("no local model, relying on the model server")
	} else {
		classifier = local
	}

	if c.ModelURL != "" {
		var fallback ml.Classifier
		if local != nil {
			fallback = local
		}
		remote, err := ml.NewRemoteClassifier(ml.RemoteConfig{
			URL:     c.ModelURL,
			Timeout: c.ModelTimeout,
			Retries: c.ModelRetries,
		}, fallback, mw)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create remote classifier")
		}
		classifier = remote
	}
	if classifier == nil {
		log.Fatal().Msg("no classifier available, run evaluate -save-model or set MODEL_URL")
	}

	detector, err := monitor.NewDetector(monitor.DetectorConfig{
		Vectorizer: vec,
		Mask:       mask,
		Merge:      c.SliceMerge,
		Height:     c.WindowHeight,
		Skip:       c.WindowSkip,
	}, classifier, mw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detector")
	}
	return detector
}

// startVerdictPublisher forwards verdicts to websocket clients of the API
func startVerdictPublisher(ctx context.Context, wg *sync.WaitGroup, verdicts <-chan monitor.Verdict, api *monitor.API) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-verdicts:
				api.Publish(v)
			}
		}
	}()
}

// startErrorHandler starts the background error handling goroutine
func startErrorHandler(ctx context.Context, wg *sync.WaitGroup, errs <-chan error, mw *metrics.MetricsWrapper) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Error().Err(err).Msg("background error")
				mw.ErrorsTotal().Inc()
			}
		}
	}()
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
