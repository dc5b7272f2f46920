package dataset

import (
	"errors"
	"fmt"
	"strings"

	"memlearn/internal/features"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// CorpusLoader is implemented by storage.Store.
type CorpusLoader interface {
	LoadCorpus(variant string) (*features.Corpus, error)
}

// LoadCorpus loads a corpus variant and slice-merges every matrix.
func LoadCorpus(store CorpusLoader, variant string, sliceMerge int) (*features.Corpus, error) {
	c, err := store.LoadCorpus(variant)
	if err != nil {
		return nil, err
	}
	if sliceMerge <= 1 {
		return c, nil
	}
	merged := make([]*mat.Dense, len(c.Matrices))
	for i, m := range c.Matrices {
		if merged[i], err = features.SliceMerge(m, sliceMerge); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Sources[i].Name, err)
		}
	}
	c.Matrices = merged
	return c, nil
}

// Split holds source indexes per role and class.
type Split struct {
	TrainPositives []int
	TrainNegatives []int
	TestPositives  []int
	TestNegatives  []int
	Ignored        []int
}

// SplitSources assigns each source to test, train or neither. A source is a
// test source when any test name ends with its name. Otherwise it is a train
// source when trainNames is empty or lists it.
func SplitSources(sources []features.Source, testNames, trainNames []string) Split {
	var s Split
	train := make(map[string]bool, len(trainNames))
	for _, n := range trainNames {
		train[n] = true
	}

	for i, src := range sources {
		isTest := false
		for _, t := range testNames {
			if strings.HasSuffix(t, src.Name) {
				isTest = true
				break
			}
		}

		switch {
		case isTest:
			log.Debug().Str("dataset", src.Name).Int32("label", src.Label).Msg("assigned to test")
			if src.Label == 0 {
				s.TestNegatives = append(s.TestNegatives, i)
			} else {
				s.TestPositives = append(s.TestPositives, i)
			}
		case len(trainNames) == 0 || train[src.Name]:
			log.Debug().Str("dataset", src.Name).Int32("label", src.Label).Msg("assigned to train")
			if src.Label == 0 {
				s.TrainNegatives = append(s.TrainNegatives, i)
			} else {
				s.TrainPositives = append(s.TrainPositives, i)
			}
		default:
			log.Debug().Str("dataset", src.Name).Int32("label", src.Label).Msg("ignored")
			s.Ignored = append(s.Ignored, i)
		}
	}
	return s
}

// Options controls PrepWindowed.
type Options struct {
	TestNames    []string
	TrainNames   []string
	Balance      bool
	WindowHeight int
	WindowSkip   int
}

// Prepared is the outcome of PrepWindowed.
type Prepared struct {
	Train Dataset
	Test  Dataset
	Split Split

	// Sample counts of the two train classes after balancing.
	TrainPositives int
	TrainNegatives int
	// Row counts of the test matrices per class.
	TestPositiveRows int
	TestNegativeRows int
}

// PrepWindowed builds binarized windowed train and test datasets from a corpus.
// With Balance set, the smaller train class is oversampled by the integer
// ratio of the class sizes.
func PrepWindowed(c *features.Corpus, opts Options) (*Prepared, error) {
	if c == nil || len(c.Sources) == 0 {
		return nil, ErrEmptyDataset
	}
	if len(c.Sources) != len(c.Matrices) {
		return nil, fmt.Errorf("corpus has %d sources but %d matrices", len(c.Sources), len(c.Matrices))
	}

	split := SplitSources(c.Sources, opts.TestNames, opts.TrainNames)
	p := &Prepared{Split: split}

	names := func(idx []int) []string {
		out := make([]string, len(idx))
		for k, i := range idx {
			out[k] = c.Sources[i].Name
		}
		return out
	}
	log.Info().
		Strs("train_positive", names(split.TrainPositives)).
		Strs("train_negative", names(split.TrainNegatives)).
		Strs("test_positive", names(split.TestPositives)).
		Strs("test_negative", names(split.TestNegatives)).
		Msg("dataset split")

	for _, i := range split.TestPositives {
		r, _ := c.Matrices[i].Dims()
		p.TestPositiveRows += r
	}
	for _, i := range split.TestNegatives {
		r, _ := c.Matrices[i].Dims()
		p.TestNegativeRows += r
	}
	log.Info().Int("pos", p.TestPositiveRows).Int("neg", p.TestNegativeRows).Msg("test rows")

	windows := func(idx []int) (*Combined, error) {
		parts := make([]Dataset, 0, len(idx))
		for _, i := range idx {
			w, err := NewWindowed(c.Matrices[i], c.Sources[i].Label, opts.WindowHeight, opts.WindowSkip)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Sources[i].Name, err)
			}
			log.Debug().Str("dataset", c.Sources[i].Name).Int32("label", w.Label()).Int("windows", w.Len()).Msg("windowed")
			parts = append(parts, w)
		}
		return NewCombined(parts...), nil
	}

	test, err := windows(append(append([]int(nil), split.TestPositives...), split.TestNegatives...))
	if err != nil {
		return nil, err
	}
	pos, err := windows(split.TrainPositives)
	if err != nil {
		return nil, err
	}
	neg, err := windows(split.TrainNegatives)
	if err != nil {
		return nil, err
	}

	var trainPos, trainNeg Dataset = pos, neg
	if opts.Balance {
		if pos.Len() == 0 || neg.Len() == 0 {
			return nil, errors.New("balancing needs windows of both classes in the train set")
		}
		switch {
		case pos.Len() > neg.Len():
			if trainNeg, err = NewOversampled(neg, float64(pos.Len()/neg.Len())); err != nil {
				return nil, err
			}
		case neg.Len() > pos.Len():
			if trainPos, err = NewOversampled(pos, float64(neg.Len()/pos.Len())); err != nil {
				return nil, err
			}
		}
	}
	p.TrainPositives = trainPos.Len()
	p.TrainNegatives = trainNeg.Len()
	log.Info().Int("pos", p.TrainPositives).Int("neg", p.TrainNegatives).Msg("train samples")

	p.Train = NewBinary(NewCombined(trainPos, trainNeg))
	p.Test = NewBinary(test)
	return p, nil
}
