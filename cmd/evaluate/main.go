package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"memlearn/internal/cfg"
	"memlearn/internal/common"
	"memlearn/internal/dataset"
	"memlearn/internal/eval"
	"memlearn/internal/metrics"
	"memlearn/internal/ml"
	"memlearn/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		variant    = flag.String("variant", common.VariantFiltered, "Corpus variant: raw or filtered")
		classifier = flag.String("classifier", "auto", "Classifier: centroid, remote or auto (remote when MODEL_URL is set)")
		logPath    = flag.String("log", "", "JSON evaluation log to append the result to")
		saveModel  = flag.Bool("save-model", false, "Save the fitted centroid model as the active version")
		testSets   = flag.String("test", "", "Comma-separated held-out dataset names (overrides config)")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
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
	if *testSets != "" {
		settings.TestDatasets = strings.Split(*testSets, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store, err := storage.New(settings.DataPath)
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
	m.SetDatasetSizes(prep.Train.Len(), prep.Test.Len())

	centroid, err := ml.FitCentroid(prep.Train, mw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fit centroid classifier")
	}

	var (
		c    ml.Classifier = centroid
		name               = "centroid"
	)
	useRemote := *classifier == "remote" || (*classifier == "auto" && settings.ModelURL != "")
	if useRemote {
		remote, err := ml.NewRemoteClassifier(ml.RemoteConfig{
			URL:     settings.ModelURL,
			Timeout: settings.ModelTimeout,
			Retries: settings.ModelRetries,
		}, centroid, mw)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create remote classifier")
		}
		c, name = remote, "remote"
	}

	evaluator := &eval.Evaluator{Classifier: c, BatchSize: settings.BatchSize, Metrics: mw}
	start := time.Now()
	result, err := evaluator.Evaluate(ctx, prep.Test)
	if err != nil {
		log.Fatal().Err(err).Msg("Evaluation failed")
	}

	runID := uuid.New().String()
	now := time.Now().UTC()
	if err := store.StoreEvaluation(storage.EvaluationRecord{
		RunID:      runID,
		Timestamp:  now,
		Classifier: name,
		Variant:    *variant,
		TestSets:   settings.TestDatasets,
		TP:         result.TP,
		FP:         result.FP,
		FN:         result.FN,
		TN:         result.TN,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to store evaluation")
	}

	if *logPath != "" {
		entry := eval.LogEntry{Result: result, Classifier: name, Time: &now}
		if err := eval.AppendLog(*logPath, entry); err != nil {
			log.Error().Err(err).Msg("Failed to append evaluation log")
		}
	}

	if *saveModel {
		mm, err := ml.NewModelManager(settings.ModelsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open model directory")
		}
		if _, err := mm.SaveModel(centroid, ml.ModelMetrics{
			Accuracy:        result.Accuracy(),
			Precision:       result.Precision(),
			Recall:          result.Recall(),
			F1Score:         result.F1(),
			TrainingSamples: prep.Train.Len(),
			TestSamples:     prep.Test.Len(),
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to save model")
		}
	}

	fmt.Printf("confusion [predicted][true]:\n%s\n", evaluator.Matrix())
	if err := eval.WriteReport(os.Stdout, []eval.Result{result}); err != nil {
		log.Error().Err(err).Msg("Failed to write report")
	}
	fmt.Printf("accuracy %.4f precision %.4f recall %.4f f1 %.4f\n",
		result.Accuracy(), result.Precision(), result.Recall(), result.F1())

	log.Info().
		Str("run_id", runID).
		Str("classifier", name).
		Int("train", prep.Train.Len()).
		Int("test", prep.Test.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("Evaluation completed")
}
