package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"memlearn/internal/features"
	"memlearn/internal/ml"
	"memlearn/internal/tracefeed"
)

type mockMetrics struct {
	mu            sync.Mutex
	rootkit       int
	benign        int
	featureErrors int
}

func (m *mockMetrics) VerdictInc(malicious bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if malicious {
		m.rootkit++
	} else {
		m.benign++
	}
}

func (m *mockMetrics) FeatureErrorsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.featureErrors++
}

// captureClassifier remembers every window it scores
type captureClassifier struct {
	scores  []float32
	windows []*mat.Dense
}

func (c *captureClassifier) Predict(_ context.Context, xs []*mat.Dense) ([][]float32, error) {
	out := make([][]float32, len(xs))
	for i, x := range xs {
		c.windows = append(c.windows, mat.DenseCopyOf(x))
		out[i] = c.scores
	}
	return out, nil
}

func testVectorizer() features.Vectorizer {
	return features.Vectorizer{Buckets: 16, KeyStart: 2, KeyWidth: 1}
}

// frame touches the given buckets of a single SYS_READ/EVENT_NEAR block
func frame(seq int64, buckets ...int) tracefeed.Frame {
	counts := make([]features.Count, 0, len(buckets))
	for _, b := range buckets {
		counts = append(counts, features.Count{Key: fmt.Sprintf("0x%x", b), N: 3})
	}
	return tracefeed.Frame{
		Seq: seq,
		Slice: features.Slice{Epochs: []features.Epoch{{
			Name:   "SYS_READ",
			Events: []features.Event{{Name: "EVENT_NEAR", Counts: counts}},
		}}},
		At: time.Unix(1700000000+seq, 0),
	}
}

func newTestDetector(t *testing.T, cfg DetectorConfig, c ml.Classifier) (*Detector, *mockMetrics) {
	t.Helper()
	cfg.Vectorizer = testVectorizer()
	metrics := &mockMetrics{}
	d, err := NewDetector(cfg, c, metrics)
	require.NoError(t, err)
	return d, metrics
}

func TestNewDetector_Invalid(t *testing.T) {
	c := ml.StaticClassifier{Scores: []float32{0.5, 0.5}}
	tests := []struct {
		name       string
		cfg        DetectorConfig
		classifier ml.Classifier
	}{
		{"nil classifier", DetectorConfig{Vectorizer: testVectorizer(), Height: 2, Skip: 1}, nil},
		{"zero height", DetectorConfig{Vectorizer: testVectorizer(), Height: 0, Skip: 1}, c},
		{"zero skip", DetectorConfig{Vectorizer: testVectorizer(), Height: 2, Skip: 0}, c},
		{"bad vectorizer", DetectorConfig{Height: 2, Skip: 1}, c},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.cfg, tt.classifier, nil)
			assert.Error(t, err)
		})
	}
}

func TestDetector_WindowSchedule(t *testing.T) {
	c := &captureClassifier{scores: []float32{0.2, 0.8}}
	d, metrics := newTestDetector(t, DetectorConfig{Height: 3, Skip: 2}, c)
	ctx := context.Background()

	var verdictSeqs []int64
	for seq := int64(1); seq <= 7; seq++ {
		v, err := d.Observe(ctx, frame(seq, int(seq)))
		require.NoError(t, err)
		if v != nil {
			verdictSeqs = append(verdictSeqs, v.Seq)
		}
	}

	// First verdict when the window fills, then every second frame
	assert.Equal(t, []int64{3, 5, 7}, verdictSeqs)
	assert.Equal(t, 3, metrics.rootkit)

	// Window ending at frame 7 holds frames 5, 6, 7 in order, binarized
	last := c.windows[len(c.windows)-1]
	r, cols := last.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 16, cols)
	for row, bucket := range []int{5, 6, 7} {
		assert.Equal(t, 1.0, last.At(row, bucket))
		assert.Equal(t, 1.0, mat.Sum(last.RowView(row)))
	}
}

func TestDetector_Verdict(t *testing.T) {
	d, metrics := newTestDetector(t, DetectorConfig{Height: 1, Skip: 1}, ml.StaticClassifier{Scores: []float32{0.9, 0.1}})

	v, err := d.Observe(context.Background(), frame(42, 1))
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, int64(42), v.Seq)
	assert.False(t, v.Malicious)
	assert.InDelta(t, 0.1, v.Score, 1e-6)
	assert.Equal(t, time.Unix(1700000042, 0), v.At)
	assert.Equal(t, 1, metrics.benign)
}

func TestDetector_Mask(t *testing.T) {
	mask := make([]bool, 16)
	for i := 0; i < 8; i++ {
		mask[i] = true
	}
	c := &captureClassifier{scores: []float32{0.5, 0.5}}
	d, _ := newTestDetector(t, DetectorConfig{Mask: mask, Height: 1, Skip: 1}, c)

	_, err := d.Observe(context.Background(), frame(1, 3, 12))
	require.NoError(t, err)

	require.Len(t, c.windows, 1)
	_, cols := c.windows[0].Dims()
	assert.Equal(t, 8, cols)
	assert.Equal(t, 1.0, mat.Sum(c.windows[0]))
}

func TestDetector_Merge(t *testing.T) {
	c := &captureClassifier{scores: []float32{0.5, 0.5}}
	d, _ := newTestDetector(t, DetectorConfig{Merge: 2, Height: 2, Skip: 1}, c)
	ctx := context.Background()

	var verdicts int
	for seq := int64(1); seq <= 4; seq++ {
		v, err := d.Observe(ctx, frame(seq, int(seq)))
		require.NoError(t, err)
		if v != nil {
			verdicts++
		}
	}

	require.Equal(t, 1, verdicts)
	w := c.windows[0]
	assert.Equal(t, []float64{1, 1}, []float64{w.At(0, 1), w.At(0, 2)})
	assert.Equal(t, []float64{1, 1}, []float64{w.At(1, 3), w.At(1, 4)})
	assert.Equal(t, 4.0, mat.Sum(w))
}

func TestDetector_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("width change", func(t *testing.T) {
		d, metrics := newTestDetector(t, DetectorConfig{Height: 3, Skip: 1}, ml.StaticClassifier{Scores: []float32{1, 0}})
		_, err := d.Observe(ctx, frame(1, 1))
		require.NoError(t, err)

		wide := frame(2, 1)
		wide.Slice.Epochs[0].Events = append(wide.Slice.Epochs[0].Events, features.Event{Name: "EVENT_FAR"})
		_, err = d.Observe(ctx, wide)
		assert.True(t, errors.Is(err, ErrWidthChanged))
		assert.Equal(t, 1, metrics.featureErrors)
	})

	t.Run("bad key", func(t *testing.T) {
		d, metrics := newTestDetector(t, DetectorConfig{Height: 1, Skip: 1}, ml.StaticClassifier{Scores: []float32{1, 0}})
		f := frame(1)
		f.Slice.Epochs[0].Events[0].Counts = []features.Count{{Key: "x", N: 1}}
		_, err := d.Observe(ctx, f)
		assert.Error(t, err)
		assert.Equal(t, 1, metrics.featureErrors)
	})

	t.Run("empty frame", func(t *testing.T) {
		d, _ := newTestDetector(t, DetectorConfig{Height: 1, Skip: 1}, ml.StaticClassifier{Scores: []float32{1, 0}})
		_, err := d.Observe(ctx, tracefeed.Frame{Seq: 1})
		assert.Error(t, err)
	})

	t.Run("mask width", func(t *testing.T) {
		d, _ := newTestDetector(t, DetectorConfig{Mask: []bool{true}, Height: 1, Skip: 1}, ml.StaticClassifier{Scores: []float32{1, 0}})
		_, err := d.Observe(ctx, frame(1, 1))
		assert.True(t, errors.Is(err, features.ErrWidthMismatch))
	})

	t.Run("classifier failure", func(t *testing.T) {
		d, _ := newTestDetector(t, DetectorConfig{Height: 1, Skip: 1}, ml.StaticClassifier{Err: errors.New("model down")})
		_, err := d.Observe(ctx, frame(1, 1))
		assert.ErrorContains(t, err, "model down")
		assert.Empty(t, d.Recent(0))
	})
}

func TestDetector_Recent(t *testing.T) {
	d, _ := newTestDetector(t, DetectorConfig{Height: 1, Skip: 1, History: 3}, ml.StaticClassifier{Scores: []float32{0.4, 0.6}})
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		_, err := d.Observe(ctx, frame(seq, 1))
		require.NoError(t, err)
	}

	all := d.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Seq)
	assert.Equal(t, int64(5), all[2].Seq)

	last := d.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, int64(5), last[0].Seq)

	assert.Len(t, d.Recent(10), 3)
}

func TestDetector_Run(t *testing.T) {
	d, _ := newTestDetector(t, DetectorConfig{Height: 2, Skip: 1}, ml.StaticClassifier{Scores: []float32{0.3, 0.7}})

	frames := make(chan tracefeed.Frame, 4)
	verdicts := make(chan Verdict, 4)
	frames <- frame(1, 1)
	frames <- frame(2, 2)
	frames <- tracefeed.Frame{Seq: 3} // skipped
	frames <- frame(4, 4)
	close(frames)

	err := d.Run(context.Background(), frames, verdicts)
	require.NoError(t, err)
	close(verdicts)

	var seqs []int64
	for v := range verdicts {
		assert.True(t, v.Malicious)
		seqs = append(seqs, v.Seq)
	}
	assert.Equal(t, []int64{2, 4}, seqs)
}

func TestDetector_RunCancelled(t *testing.T) {
	d, _ := newTestDetector(t, DetectorConfig{Height: 2, Skip: 1}, ml.StaticClassifier{Scores: []float32{0.3, 0.7}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx, make(chan tracefeed.Frame), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
