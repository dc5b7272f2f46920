package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"memlearn/internal/cfg"
	"memlearn/internal/features"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	epochs = []string{"SYS_READ", "SYS_WRITE"}
	events = []string{"EVENT_FAR", "EVENT_NEAR"}
)

// gentraces writes synthetic trace files for every default dataset so the
// pipeline can be exercised without a tracer. Rootkit traces touch an extra
// page range that clean kernels never use.
func main() {
	var (
		outDir = flag.String("out", "data", "Directory for the generated trace files, one per dataset name")
		slices = flag.Int("slices", 200, "Slices per trace")
		pages  = flag.Int("pages", 24, "Pages touched per event and slice")
		seed   = flag.Uint64("seed", 1, "Random seed")
	)
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}

	fmt.Printf("Generating %d slices per trace in %s\n", *slices, *outDir)

	r := rand.New(rand.NewPCG(*seed, *seed+1))
	for _, src := range cfg.DefaultDatasets() {
		path, err := generate(*outDir, src, r, *slices, *pages)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to write trace")
		}
		fmt.Printf("  ✓ %s (label %d)\n", path, src.Label)
	}
}

// generate writes the trace of one source under the bare source name, the
// path prepdata reads it from.
func generate(dir string, src features.Source, r *rand.Rand, slices, pages int) (string, error) {
	path := filepath.Join(dir, src.Name)
	return path, writeTrace(path, generateTrace(r, slices, pages, src.Label == 1))
}

// slice: epoch -> event -> address key -> count
type slice map[string]map[string]map[string]int

func generateTrace(r *rand.Rand, n, pages int, rootkit bool) map[string]slice {
	trace := make(map[string]slice, n)
	for i := 0; i < n; i++ {
		s := make(slice, len(epochs))
		for _, ep := range epochs {
			s[ep] = make(map[string]map[string]int, len(events))
			for _, ev := range events {
				counts := make(map[string]int, pages)
				for p := 0; p < pages; p++ {
					// Kernel text and data live in the low 2048 buckets
					addAccess(counts, uint64(r.IntN(2048)), r)
				}
				if rootkit && r.IntN(4) == 0 {
					// Hooked syscall tables and hidden module pages
					addAccess(counts, uint64(3072+r.IntN(64)), r)
				}
				s[ep][ev] = counts
			}
		}
		trace[strconv.Itoa(i)] = s
	}
	return trace
}

func addAccess(counts map[string]int, bucket uint64, r *rand.Rand) {
	addr := 0xffffffff80000000 | bucket<<16 | uint64(r.IntN(1<<16))
	counts[fmt.Sprintf("0x%016x", addr)] += 1 + r.IntN(3)
}

func writeTrace(path string, trace map[string]slice) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(trace)
}
