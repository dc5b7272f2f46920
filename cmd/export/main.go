package main

import (
	"flag"
	"os"
	"path/filepath"

	"memlearn/internal/cfg"
	"memlearn/internal/common"
	"memlearn/internal/dataset"
	"memlearn/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		variant  = flag.String("variant", common.VariantFiltered, "Corpus variant: raw or filtered")
		outDir   = flag.String("out", "export", "Output directory for train and test files")
		compress = flag.Bool("zstd", true, "Compress the output with zstd")
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

	store, err := storage.OpenReadOnly(settings.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open corpus store")
	}
	defer store.Close()

	corpus, err := dataset.LoadCorpus(store, *variant, settings.SliceMerge)
	if err != nil {
		log.Fatal().Err(err).Str("variant", *variant).Msg("Failed to load corpus")
	}

	prep, err := dataset.PrepWindowed(corpus, dataset.Options{
		TestNames:    settings.TestDatasets,
		TrainNames:   settings.TrainDatasets,
		Balance:      settings.BalanceTrain,
		WindowHeight: settings.WindowHeight,
		WindowSkip:   settings.WindowSkip,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare datasets")
	}
	log.Info().Int("train", prep.Train.Len()).Int("test", prep.Test.Len()).Msg("Datasets prepared")

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}
	ext := ".jsonl"
	if *compress {
		ext += ".zst"
	}

	for name, ds := range map[string]dataset.Dataset{"train": prep.Train, "test": prep.Test} {
		path := filepath.Join(*outDir, *variant+"_"+name+ext)
		if _, err := dataset.ExportFile(path, ds); err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Export failed")
		}
	}
}
