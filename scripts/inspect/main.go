package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"memlearn/internal/common"
	"memlearn/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// inspect prints what a corpus store holds: sources and matrix shapes per
// variant, the column mask and the stored evaluations.
func main() {
	var (
		dataPath = flag.String("data", "./data", "Data directory path")
		evals    = flag.Bool("evals", true, "List stored evaluations")
	)
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fmt.Printf("Inspecting data in: %s\n", *dataPath)

	store, err := storage.OpenReadOnly(*dataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	for _, variant := range []string{common.VariantRaw, common.VariantFiltered} {
		if err := inspectVariant(store, variant); err != nil {
			if errors.Is(err, storage.ErrCorpusNotFound) {
				fmt.Printf("\n%s: not built\n", variant)
				continue
			}
			log.Fatal().Err(err).Str("variant", variant).Msg("Failed to inspect corpus")
		}
	}

	if !*evals {
		return
	}
	records, err := store.Evaluations(time.Unix(0, 0), time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read evaluations")
	}
	fmt.Printf("\nEvaluations: %d\n", len(records))
	for _, r := range records {
		fmt.Printf("  %s  %-8s %-8s tp=%d fp=%d fn=%d tn=%d  %v\n",
			r.Timestamp.Format(time.RFC3339), r.Variant, r.Classifier,
			r.TP, r.FP, r.FN, r.TN, r.TestSets)
	}
}

func inspectVariant(store *storage.Store, variant string) error {
	shapes, err := store.Shapes(variant)
	if err != nil {
		return err
	}
	builtAt, err := store.BuiltAt(variant)
	if err != nil {
		return err
	}
	mask, err := store.Mask(variant)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s: %d sources, built %s\n", variant, len(shapes), builtAt.Format(time.RFC3339))
	if mask != nil {
		kept := 0
		for _, keep := range mask {
			if keep {
				kept++
			}
		}
		fmt.Printf("  mask keeps %d of %d columns\n", kept, len(mask))
	}
	for _, sh := range shapes {
		fmt.Printf("  %-24s label=%d  %6d x %d\n", sh.Name, sh.Label, sh.Rows, sh.Cols)
	}
	return nil
}
