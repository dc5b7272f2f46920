package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"memlearn/internal/common"

	"gonum.org/v1/gonum/mat"
)

var ErrBadKey = errors.New("malformed address key")

// Layout decides where each (epoch, event) block starts in a feature vector.
type Layout int

const (
	// LayoutOverlapped places block (e, ev) at (e+ev)*Buckets. Blocks of
	// different epochs share columns; corpora built before LayoutStrided existed
	// use this layout.
	LayoutOverlapped Layout = iota
	// LayoutStrided places block (e, ev) at (e*events+ev)*Buckets.
	LayoutStrided
)

func (l Layout) String() string {
	if l == LayoutStrided {
		return "strided"
	}
	return "overlapped"
}

// ParseLayout parses "overlapped" or "strided".
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overlapped":
		return LayoutOverlapped, nil
	case "strided":
		return LayoutStrided, nil
	default:
		return 0, fmt.Errorf("unknown layout %q", s)
	}
}

// Vectorizer hashes address keys into fixed-size buckets.
// The bucket of a key is the hex number at key[KeyStart:KeyStart+KeyWidth]; for
// keys formatted as 0x%016x with the defaults this is bits 16..27 of the address.
type Vectorizer struct {
	Buckets  int
	KeyStart int
	KeyWidth int
	Layout   Layout
}

// DefaultVectorizer returns the bucketing used for the published corpora.
func DefaultVectorizer() Vectorizer {
	return Vectorizer{
		Buckets:  common.DefaultBuckets,
		KeyStart: common.DefaultKeyStart,
		KeyWidth: common.DefaultKeyWidth,
		Layout:   LayoutOverlapped,
	}
}

func (v Vectorizer) Validate() error {
	if v.Buckets <= 0 {
		return fmt.Errorf("buckets must be positive, got %d", v.Buckets)
	}
	if v.KeyStart < 0 {
		return fmt.Errorf("key start must not be negative, got %d", v.KeyStart)
	}
	if v.KeyWidth <= 0 || v.KeyWidth > common.MaxKeyWidth {
		return fmt.Errorf("key width must be between 1 and %d, got %d", common.MaxKeyWidth, v.KeyWidth)
	}
	return nil
}

// Columns returns the vector width for a slice.
func (v Vectorizer) Columns(s Slice) int {
	return v.Buckets * len(s.Epochs) * s.EventCount(common.ReferenceEpoch)
}

// Bucket returns the bucket index of an address key. A key shorter than
// KeyStart+KeyWidth is rejected, never read as a partial slice.
func (v Vectorizer) Bucket(key string) (int, error) {
	end := v.KeyStart + v.KeyWidth
	if len(key) < end {
		return 0, fmt.Errorf("%w: %q shorter than %d", ErrBadKey, key, end)
	}
	b, err := strconv.ParseUint(key[v.KeyStart:end], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	if int(b) >= v.Buckets {
		return 0, fmt.Errorf("%w: bucket %d of %q exceeds %d", ErrBadKey, b, key, v.Buckets)
	}
	return int(b), nil
}

func (v Vectorizer) offset(e, ev, events int) int {
	if v.Layout == LayoutStrided {
		return (e*events + ev) * v.Buckets
	}
	return (e + ev) * v.Buckets
}

// Vector accumulates the access counts of one slice.
func (v Vectorizer) Vector(s Slice) ([]float64, error) {
	n := v.Columns(s)
	x := make([]float64, n)
	events := s.EventCount(common.ReferenceEpoch)

	for e, ep := range s.Epochs {
		for ev, event := range ep.Events {
			off := v.offset(e, ev, events)
			for _, c := range event.Counts {
				b, err := v.Bucket(c.Key)
				if err != nil {
					return nil, err
				}
				idx := off + b
				if idx >= n {
					return nil, fmt.Errorf("epoch %s event %s: column %d outside vector of %d", ep.Name, event.Name, idx, n)
				}
				x[idx] += float64(c.N)
			}
		}
	}
	return x, nil
}

// Matrix stacks the slice vectors of a trace as rows (time x address bins).
func (v Vectorizer) Matrix(t *Trace) (*mat.Dense, error) {
	if t == nil || len(t.Slices) == 0 {
		return nil, ErrEmptyTrace
	}

	var (
		data []float64
		cols int
	)
	for i, s := range t.Slices {
		x, err := v.Vector(s)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		if i == 0 {
			cols = len(x)
			data = make([]float64, 0, cols*len(t.Slices))
		} else if len(x) != cols {
			return nil, fmt.Errorf("slice %d: width %d differs from %d", i, len(x), cols)
		}
		data = append(data, x...)
	}
	if cols == 0 {
		return nil, fmt.Errorf("trace %q produces zero-width vectors", t.Name)
	}
	return mat.NewDense(len(t.Slices), cols, data), nil
}
