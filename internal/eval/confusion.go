// Package eval scores classifiers against labeled datasets with a binary
// confusion matrix and renders evaluation logs as tables.
package eval

import (
	"errors"
	"fmt"
)

var ErrInvalidLabel = errors.New("label must be 0 or 1")

// Result holds the four cells of a binary confusion matrix.
type Result struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

func (r Result) Total() int { return r.TP + r.FP + r.FN + r.TN }

func (r Result) Accuracy() float64 { return ratio(r.TP+r.TN, r.Total()) }

func (r Result) Precision() float64 { return ratio(r.TP, r.TP+r.FP) }

func (r Result) Recall() float64 { return ratio(r.TP, r.TP+r.FN) }

func (r Result) F1() float64 {
	p, rc := r.Precision(), r.Recall()
	if p+rc == 0 {
		return 0
	}
	return 2 * p * rc / (p + rc)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// ConfusionMatrix counts predictions against true labels. Cells are indexed
// [predicted][true].
type ConfusionMatrix struct {
	count [2][2]int
}

// Add records one prediction.
func (c *ConfusionMatrix) Add(pred, truth int32) error {
	if pred < 0 || pred > 1 {
		return fmt.Errorf("%w: prediction %d", ErrInvalidLabel, pred)
	}
	if truth < 0 || truth > 1 {
		return fmt.Errorf("%w: true label %d", ErrInvalidLabel, truth)
	}
	c.count[pred][truth]++
	return nil
}

func (c *ConfusionMatrix) Result() Result {
	return Result{
		TP: c.count[1][1],
		FP: c.count[1][0],
		FN: c.count[0][1],
		TN: c.count[0][0],
	}
}

// Reset zeroes every cell.
func (c *ConfusionMatrix) Reset() { c.count = [2][2]int{} }

func (c *ConfusionMatrix) String() string {
	return fmt.Sprintf("[[%d %d]\n [%d %d]]", c.count[0][0], c.count[0][1], c.count[1][0], c.count[1][1])
}
