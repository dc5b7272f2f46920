package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"memlearn/internal/features"

	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/mat"
)

func testCorpus() *features.Corpus {
	return &features.Corpus{
		Sources: []features.Source{{Name: "normal", Label: 0}, {Name: "adore", Label: 1}},
		Matrices: []*mat.Dense{
			mat.NewDense(3, 2, []float64{1, 0, 0, 2, 3, 3}),
			mat.NewDense(2, 2, []float64{0, 5, 7, 0}),
		},
		Mask: []bool{true, false, false, true, true, false, false, false, true},
	}
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, "memlearn.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/nonexistent/memlearn/path")
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	// Closing twice is a no-op
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestSaveLoadCorpus(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	want := testCorpus()
	if err := store.SaveCorpus("filtered", want); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}

	got, err := store.LoadCorpus("filtered")
	if err != nil {
		t.Fatalf("LoadCorpus failed: %v", err)
	}

	if len(got.Sources) != 2 || got.Sources[1] != want.Sources[1] {
		t.Errorf("Unexpected sources: %+v", got.Sources)
	}
	for i := range want.Matrices {
		if !mat.Equal(want.Matrices[i], got.Matrices[i]) {
			t.Errorf("Matrix %d differs after round trip", i)
		}
	}
	if len(got.Mask) != len(want.Mask) {
		t.Fatalf("Expected mask of %d, got %d", len(want.Mask), len(got.Mask))
	}
	for j := range want.Mask {
		if got.Mask[j] != want.Mask[j] {
			t.Errorf("Mask column %d: expected %v", j, want.Mask[j])
		}
	}
}

func TestSaveCorpus_Replaces(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.SaveCorpus("raw", testCorpus()); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}
	smaller := &features.Corpus{
		Sources:  []features.Source{{Name: "kbeast", Label: 1}},
		Matrices: []*mat.Dense{mat.NewDense(1, 1, []float64{4})},
	}
	if err := store.SaveCorpus("raw", smaller); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}

	sources, err := store.ListSources("raw")
	if err != nil {
		t.Fatalf("ListSources failed: %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "kbeast" {
		t.Errorf("Expected only kbeast, got %+v", sources)
	}
	if _, err := store.LoadMatrix("raw", "normal"); err == nil {
		t.Error("Expected old matrix to be gone")
	}
	mask, err := store.Mask("raw")
	if err != nil {
		t.Fatalf("Mask failed: %v", err)
	}
	if mask != nil {
		t.Errorf("Expected no mask for raw corpus, got %v", mask)
	}
}

func TestSaveCorpus_Invalid(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	testCases := []struct {
		name   string
		corpus *features.Corpus
	}{
		{"nil", nil},
		{"empty", &features.Corpus{}},
		{"count mismatch", &features.Corpus{
			Sources: []features.Source{{Name: "a"}},
		}},
		{"duplicate", &features.Corpus{
			Sources:  []features.Source{{Name: "a"}, {Name: "a"}},
			Matrices: []*mat.Dense{mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil)},
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.SaveCorpus("raw", tc.corpus); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadCorpus_NotFound(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	_, err = store.LoadCorpus("filtered")
	if !errors.Is(err, ErrCorpusNotFound) {
		t.Errorf("Expected ErrCorpusNotFound, got %v", err)
	}
	_, err = store.ListSources("filtered")
	if !errors.Is(err, ErrCorpusNotFound) {
		t.Errorf("Expected ErrCorpusNotFound, got %v", err)
	}
}

func TestLoadMatrix(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.SaveCorpus("filtered", testCorpus()); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}

	m, err := store.LoadMatrix("filtered", "adore")
	if err != nil {
		t.Fatalf("LoadMatrix failed: %v", err)
	}
	if m.At(1, 0) != 7 {
		t.Errorf("Expected 7 at (1,0), got %f", m.At(1, 0))
	}

	built, err := store.BuiltAt("filtered")
	if err != nil {
		t.Fatalf("BuiltAt failed: %v", err)
	}
	if time.Since(built) > time.Minute {
		t.Errorf("Unexpected build time %v", built)
	}
}

func TestShapes(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.SaveCorpus("raw", testCorpus()); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}

	want := []Shape{
		{Name: "normal", Label: 0, Rows: 3, Cols: 2},
		{Name: "adore", Label: 1, Rows: 2, Cols: 2},
	}
	shapes, err := store.Shapes("raw")
	if err != nil {
		t.Fatalf("Shapes failed: %v", err)
	}
	if !reflect.DeepEqual(shapes, want) {
		t.Errorf("Expected %+v, got %+v", want, shapes)
	}

	// stores written without the shapes record decode the matrices instead
	err = store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(corpusPrefix + "raw")).Delete([]byte(shapesKey))
	})
	if err != nil {
		t.Fatalf("Failed to drop shapes record: %v", err)
	}
	shapes, err = store.Shapes("raw")
	if err != nil {
		t.Fatalf("Shapes fallback failed: %v", err)
	}
	if !reflect.DeepEqual(shapes, want) {
		t.Errorf("Fallback expected %+v, got %+v", want, shapes)
	}

	if _, err := store.Shapes("filtered"); !errors.Is(err, ErrCorpusNotFound) {
		t.Errorf("Expected ErrCorpusNotFound, got %v", err)
	}
}

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SaveCorpus("raw", testCorpus()); err != nil {
		t.Fatalf("SaveCorpus failed: %v", err)
	}
	store.Close()

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()

	if _, err := ro.LoadCorpus("raw"); err != nil {
		t.Errorf("LoadCorpus on read-only store failed: %v", err)
	}
	if err := ro.SaveCorpus("raw", testCorpus()); err == nil {
		t.Error("Expected write to read-only store to fail")
	}
}

func TestMaskPacking(t *testing.T) {
	testCases := [][]bool{
		{},
		{true},
		{false, true, false, true, true, true, true, true},
		{true, false, false, false, false, false, false, false, true},
	}

	for _, mask := range testCases {
		got, err := unpackMask(packMask(mask))
		if err != nil {
			t.Fatalf("unpackMask failed: %v", err)
		}
		if len(got) != len(mask) {
			t.Fatalf("Expected %d columns, got %d", len(mask), len(got))
		}
		for j := range mask {
			if got[j] != mask[j] {
				t.Errorf("Column %d: expected %v", j, mask[j])
			}
		}
	}

	if _, err := unpackMask([]byte{0, 1}); err == nil {
		t.Error("Expected error for short record")
	}
	if _, err := unpackMask([]byte{0, 0, 0, 0, 0, 0, 0, 64}); err == nil {
		t.Error("Expected error for truncated bit field")
	}
}

func TestCompareKeys(t *testing.T) {
	testCases := []struct {
		a        []byte
		b        []byte
		expected int
	}{
		{[]byte("00000000000000000001_a"), []byte("00000000000000000001_a"), 0},
		{[]byte("00000000000000000001_a"), []byte("00000000000000000002_a"), -1},
		{[]byte("00000000000000000002_a"), []byte("00000000000000000001_b"), 1},
	}

	for _, tc := range testCases {
		result := compareKeys(tc.a, tc.b)
		if (result < 0 && tc.expected >= 0) || (result > 0 && tc.expected <= 0) || (result == 0 && tc.expected != 0) {
			t.Errorf("compareKeys(%q, %q) = %v, expected %v", tc.a, tc.b, result, tc.expected)
		}
	}
}

func TestEvaluations(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	records := []EvaluationRecord{
		{RunID: "r1", Timestamp: now, Classifier: "centroid", TP: 5, FP: 1, FN: 2, TN: 9},
		{RunID: "r1", Timestamp: now.Add(time.Second), Classifier: "centroid", TP: 6},
		{RunID: "r2", Timestamp: now.Add(2 * time.Second), Classifier: "remote", TN: 3},
		{RunID: "r3", Timestamp: now.Add(10 * time.Second), Classifier: "remote"}, // Outside range
	}
	for _, rec := range records {
		if err := store.StoreEvaluation(rec); err != nil {
			t.Fatalf("StoreEvaluation failed: %v", err)
		}
	}

	got, err := store.Evaluations(now.Add(-time.Second), now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("Evaluations failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(got))
	}
	if got[0].TP != 5 || got[0].TN != 9 {
		t.Errorf("Unexpected first record: %+v", got[0])
	}
	if got[2].RunID != "r2" {
		t.Errorf("Expected records ordered by time, got %s last", got[2].RunID)
	}

	byRun, err := store.EvaluationsByRun("r1")
	if err != nil {
		t.Fatalf("EvaluationsByRun failed: %v", err)
	}
	if len(byRun) != 2 {
		t.Errorf("Expected 2 records for r1, got %d", len(byRun))
	}
}

func TestEvaluations_Empty(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	got, err := store.Evaluations(now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Evaluations failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %d", len(got))
	}
}

func BenchmarkSaveCorpus(b *testing.B) {
	store, err := New(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	c := &features.Corpus{
		Sources:  []features.Source{{Name: "normal"}},
		Matrices: []*mat.Dense{mat.NewDense(500, 400, nil)},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.SaveCorpus("raw", c)
	}
}
