// Package dataset builds indexable sample views over feature matrices.
//
// Views compose: a Windowed view cuts fixed-height time windows from one
// matrix, Combined concatenates views, Oversampled repeats a smaller view to
// balance class counts and Binary turns access counts into presence flags.
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrEmptyDataset    = errors.New("dataset is empty")
)

// Example is one sample: a window of rows and its class label.
type Example struct {
	X     *mat.Dense
	Label int32
}

// Dataset is an indexable collection of examples.
type Dataset interface {
	Len() int
	Example(i int) (Example, error)
}

// Windowed yields windows of height rows starting every skip rows.
type Windowed struct {
	x      *mat.Dense
	label  int32
	height int
	skip   int
}

// NewWindowed wraps x (time x address bins).
func NewWindowed(x *mat.Dense, label int32, height, skip int) (*Windowed, error) {
	if height < 1 {
		return nil, fmt.Errorf("window height must be positive, got %d", height)
	}
	if skip < 1 {
		return nil, fmt.Errorf("window skip must be positive, got %d", skip)
	}
	return &Windowed{x: x, label: label, height: height, skip: skip}, nil
}

// Len is (rows-height)/skip. The window ending exactly on the last row is
// never produced.
func (w *Windowed) Len() int {
	r, _ := w.x.Dims()
	if r <= w.height {
		return 0
	}
	return (r - w.height) / w.skip
}

func (w *Windowed) Example(i int) (Example, error) {
	if i < 0 || i >= w.Len() {
		return Example{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, w.Len())
	}
	_, c := w.x.Dims()
	begin := w.skip * i
	view := w.x.Slice(begin, begin+w.height, 0, c).(*mat.Dense)
	return Example{X: view, Label: w.label}, nil
}

// Label returns the class of every window.
func (w *Windowed) Label() int32 { return w.label }

// Binary maps every cell to 1 when positive and 0 otherwise.
type Binary struct {
	ds Dataset
}

func NewBinary(ds Dataset) *Binary { return &Binary{ds: ds} }

func (b *Binary) Len() int { return b.ds.Len() }

func (b *Binary) Example(i int) (Example, error) {
	ex, err := b.ds.Example(i)
	if err != nil {
		return Example{}, err
	}
	r, c := ex.X.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	}, ex.X)
	return Example{X: out, Label: ex.Label}, nil
}

// Oversampled cycles through a smaller dataset ("mizumashi") so that it
// reports int(len*factor) examples.
type Oversampled struct {
	ds     Dataset
	srcLen int
	length int
}

func NewOversampled(ds Dataset, factor float64) (*Oversampled, error) {
	n := ds.Len()
	if n == 0 {
		return nil, ErrEmptyDataset
	}
	if factor < 0 {
		return nil, fmt.Errorf("oversampling factor must not be negative, got %v", factor)
	}
	return &Oversampled{ds: ds, srcLen: n, length: int(float64(n) * factor)}, nil
}

func (o *Oversampled) Len() int { return o.length }

func (o *Oversampled) Example(i int) (Example, error) {
	if i < 0 || i >= o.length {
		return Example{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, o.length)
	}
	return o.ds.Example(i % o.srcLen)
}

// Combined concatenates datasets in order.
type Combined struct {
	parts []Dataset
	lens  []int
	total int
}

func NewCombined(parts ...Dataset) *Combined {
	c := &Combined{parts: parts, lens: make([]int, len(parts))}
	for i, p := range parts {
		c.lens[i] = p.Len()
		c.total += c.lens[i]
	}
	return c
}

func (c *Combined) Len() int { return c.total }

func (c *Combined) Example(i int) (Example, error) {
	if i < 0 {
		return Example{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	j := i
	for k, n := range c.lens {
		if j < n {
			return c.parts[k].Example(j)
		}
		j -= n
	}
	return Example{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, c.total)
}
