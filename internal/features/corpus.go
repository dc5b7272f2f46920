package features

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

var ErrWidthMismatch = errors.New("matrix widths differ")

// Source names a trace file and its class label (0 benign, 1 rootkit).
type Source struct {
	Name  string `json:"name" yaml:"name"`
	Label int32  `json:"label" yaml:"label"`
}

// Corpus holds one matrix per source. Mask is set on filtered corpora and
// records which raw columns were kept.
type Corpus struct {
	Sources  []Source
	Matrices []*mat.Dense
	Mask     []bool
}

// Columns returns the shared matrix width, or 0 for an empty corpus.
func (c *Corpus) Columns() int {
	if c == nil || len(c.Matrices) == 0 {
		return 0
	}
	_, cols := c.Matrices[0].Dims()
	return cols
}

// MetricsTracker receives counters from corpus building.
type MetricsTracker interface {
	TracesParsedInc()
	SlicesVectorizedAdd(float64)
	FeatureErrorsInc()
}

// LoadFile reads and vectorizes one trace file.
func (v Vectorizer) LoadFile(path string, skip int) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	t, err := ReadTrace(f, skip)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Name = filepath.Base(path)
	m, err := v.Matrix(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadLabeled vectorizes every source and stacks all rows into one matrix with
// a label per row.
func (v Vectorizer) LoadLabeled(dir string, sources []Source, skip int) (*mat.Dense, []int32, error) {
	ms, err := v.loadAll(dir, sources, skip, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := sameWidth(ms); err != nil {
		return nil, nil, err
	}

	var stacked *mat.Dense
	var labels []int32
	for i, m := range ms {
		r, _ := m.Dims()
		for j := 0; j < r; j++ {
			labels = append(labels, sources[i].Label)
		}
		if stacked == nil {
			stacked = mat.DenseCopyOf(m)
			continue
		}
		var next mat.Dense
		next.Stack(stacked, m)
		stacked = &next
	}
	if stacked == nil {
		return nil, nil, ErrEmptyTrace
	}
	return stacked, labels, nil
}

// BuildCorpus vectorizes every source and returns the raw corpus together with
// a filtered corpus that keeps only columns touched by at least one source.
func (v Vectorizer) BuildCorpus(dir string, sources []Source, skip int, tracker MetricsTracker) (*Corpus, *Corpus, error) {
	ms, err := v.loadAll(dir, sources, skip, tracker)
	if err != nil {
		return nil, nil, err
	}

	for i, m := range ms {
		mean, peak := Stats(m)
		log.Info().
			Str("dataset", sources[i].Name).
			Int32("label", sources[i].Label).
			Float64("mean_row_sum", mean).
			Float64("max", peak).
			Msg("trace vectorized")
	}

	mask, err := NonzeroColumns(ms...)
	if err != nil {
		return nil, nil, err
	}
	kept := 0
	for _, k := range mask {
		if k {
			kept++
		}
	}
	log.Info().Int("columns", len(mask)).Int("filtered", kept).Msg("filtered dimension size")

	filtered := make([]*mat.Dense, len(ms))
	for i, m := range ms {
		if filtered[i], err = SelectColumns(m, mask); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", sources[i].Name, err)
		}
	}

	raw := &Corpus{Sources: append([]Source(nil), sources...), Matrices: ms}
	flt := &Corpus{Sources: append([]Source(nil), sources...), Matrices: filtered, Mask: mask}
	return raw, flt, nil
}

// loadAll vectorizes sources concurrently, keeping source order.
func (v Vectorizer) loadAll(dir string, sources []Source, skip int, tracker MetricsTracker) ([]*mat.Dense, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no sources given")
	}

	ms := make([]*mat.Dense, len(sources))
	errs := make([]error, len(sources))
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			m, err := v.LoadFile(filepath.Join(dir, src.Name), skip)
			if err != nil {
				errs[i] = err
				if tracker != nil {
					tracker.FeatureErrorsInc()
				}
				return
			}
			ms[i] = m
			if tracker != nil {
				r, _ := m.Dims()
				tracker.TracesParsedInc()
				tracker.SlicesVectorizedAdd(float64(r))
			}
		}(i, src)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ms, nil
}

// NonzeroColumns marks the columns whose sum over all matrices is positive.
func NonzeroColumns(ms ...*mat.Dense) ([]bool, error) {
	if len(ms) == 0 {
		return nil, errors.New("no matrices")
	}
	if err := sameWidth(ms); err != nil {
		return nil, err
	}

	_, cols := ms[0].Dims()
	sums := make([]float64, cols)
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			row := m.RawRowView(i)
			for j, x := range row {
				sums[j] += x
			}
		}
	}

	mask := make([]bool, cols)
	for j, s := range sums {
		mask[j] = s > 0
	}
	return mask, nil
}

// SelectColumns copies the columns of m whose mask entry is set.
func SelectColumns(m *mat.Dense, mask []bool) (*mat.Dense, error) {
	r, c := m.Dims()
	if len(mask) != c {
		return nil, fmt.Errorf("%w: mask %d, matrix %d", ErrWidthMismatch, len(mask), c)
	}
	var idx []int
	for j, k := range mask {
		if k {
			idx = append(idx, j)
		}
	}
	if len(idx) == 0 {
		return nil, errors.New("mask selects no columns")
	}

	out := mat.NewDense(r, len(idx), nil)
	for i := 0; i < r; i++ {
		src := m.RawRowView(i)
		dst := out.RawRowView(i)
		for k, j := range idx {
			dst[k] = src[j]
		}
	}
	return out, nil
}

// SelectVector applies a column mask to a single feature vector.
func SelectVector(x []float64, mask []bool) ([]float64, error) {
	if mask == nil {
		return x, nil
	}
	if len(mask) != len(x) {
		return nil, fmt.Errorf("%w: mask %d, vector %d", ErrWidthMismatch, len(mask), len(x))
	}
	out := make([]float64, 0, len(x))
	for j, k := range mask {
		if k {
			out = append(out, x[j])
		}
	}
	return out, nil
}

// SliceMerge folds every block consecutive rows into one by OR-ing the
// integer-truncated rows m[b::block] for b < block. The result has as many rows
// as the shortest interleaved block.
func SliceMerge(m *mat.Dense, block int) (*mat.Dense, error) {
	if block < 1 {
		block = 1
	}
	r, c := m.Dims()
	minRows := r / block
	if minRows == 0 {
		return nil, fmt.Errorf("slice merge of %d rows by %d leaves no rows", r, block)
	}

	out := mat.NewDense(minRows, c, nil)
	acc := make([]int32, c)
	for i := 0; i < minRows; i++ {
		for j := range acc {
			acc[j] = 0
		}
		for b := 0; b < block; b++ {
			row := m.RawRowView(b + i*block)
			for j, x := range row {
				acc[j] |= int32(x)
			}
		}
		dst := out.RawRowView(i)
		for j, a := range acc {
			dst[j] = float64(a)
		}
	}
	return out, nil
}

// Stats returns the mean row sum and the largest cell of m.
func Stats(m *mat.Dense) (mean, peak float64) {
	r, _ := m.Dims()
	if r == 0 {
		return 0, 0
	}
	return mat.Sum(m) / float64(r), mat.Max(m)
}

func sameWidth(ms []*mat.Dense) error {
	if len(ms) == 0 {
		return nil
	}
	_, want := ms[0].Dims()
	for i, m := range ms[1:] {
		if _, c := m.Dims(); c != want {
			return fmt.Errorf("%w: matrix %d has %d columns, want %d", ErrWidthMismatch, i+1, c, want)
		}
	}
	return nil
}
