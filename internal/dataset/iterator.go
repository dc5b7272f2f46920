package dataset

import (
	"fmt"
	"math/rand/v2"
)

// Batches splits the indexes of ds into batches of at most size. When shuffle
// is set the order is permuted with a generator seeded by seed, so the same
// seed always yields the same batches.
func Batches(ds Dataset, size int, shuffle bool, seed uint64) ([][]int, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	n := ds.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if shuffle {
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		r.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}

	batches := make([][]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		batches = append(batches, idx[start:end])
	}
	return batches, nil
}

// Load fetches the examples of one batch.
func Load(ds Dataset, batch []int) ([]Example, error) {
	out := make([]Example, len(batch))
	for k, i := range batch {
		ex, err := ds.Example(i)
		if err != nil {
			return nil, err
		}
		out[k] = ex
	}
	return out, nil
}
