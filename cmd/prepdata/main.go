package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"memlearn/internal/cfg"
	"memlearn/internal/common"
	"memlearn/internal/metrics"
	"memlearn/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		tracePath = flag.String("traces", "", "Directory holding <dataset>.json trace files (overrides config)")
		dataPath  = flag.String("data", "", "Directory of the corpus store (overrides config)")
		datasets  = flag.String("datasets", "", "Comma-separated name:label list (overrides config)")
		skip      = flag.Int("skip", 0, "Keep every n-th slice of each trace (overrides config)")
		logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
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
	if *datasets != "" {
		os.Setenv(common.EnvDatasets, *datasets)
	}

	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *tracePath != "" {
		settings.TracePath = *tracePath
	}
	if *dataPath != "" {
		settings.DataPath = *dataPath
	}
	if *skip > 0 {
		settings.SliceSkip = *skip
	}

	vec, err := settings.Vectorizer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid vectorizer settings")
	}

	fmt.Println("=== Corpus Build ===")
	fmt.Printf("Traces: %s\n", settings.TracePath)
	fmt.Printf("Store: %s\n", settings.DataPath)
	fmt.Printf("Datasets: %d\n", len(settings.Datasets))
	fmt.Printf("Buckets: %d, key [%d:%d], layout %s\n", vec.Buckets, vec.KeyStart, vec.KeyStart+vec.KeyWidth, vec.Layout)
	fmt.Println("====================")

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	start := time.Now()
	raw, filtered, err := vec.BuildCorpus(settings.TracePath, settings.Datasets, settings.SliceSkip, mw)
	if err != nil {
		mw.ErrorsTotal().Inc()
		log.Fatal().Err(err).Msg("Failed to build corpus")
	}

	store, err := storage.New(settings.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open corpus store")
	}
	defer store.Close()

	if err := store.SaveCorpus(common.VariantRaw, raw); err != nil {
		log.Fatal().Err(err).Msg("Failed to save raw corpus")
	}
	if err := store.SaveCorpus(common.VariantFiltered, filtered); err != nil {
		log.Fatal().Err(err).Msg("Failed to save filtered corpus")
	}
	m.SetCorpusColumns(common.VariantRaw, raw.Columns())
	m.SetCorpusColumns(common.VariantFiltered, filtered.Columns())

	log.Info().
		Int("sources", len(raw.Sources)).
		Int("raw_columns", raw.Columns()).
		Int("filtered_columns", filtered.Columns()).
		Dur("elapsed", time.Since(start)).
		Msg("Corpus saved")
}
