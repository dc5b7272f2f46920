// Package storage persists feature corpora and evaluation results.
// It uses BoltDB as the underlying storage engine. Each corpus variant (raw,
// filtered) lives in its own bucket holding the source list, the optional
// column mask and one compressed matrix per source.
//
// Matrices are stored as gonum binary encodings compressed with zstd.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"memlearn/internal/features"

	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/mat"
)

const (
	corpusPrefix      = "corpus:"     // Bucket name prefix for corpus variants
	evaluationsBucket = "evaluations" // Bucket name for evaluation records
	matricesBucket    = "matrices"    // Nested bucket of encoded matrices

	sourcesKey = "sources"
	shapesKey  = "shapes"
	maskKey    = "mask"
	builtKey   = "built_at"
)

var ErrCorpusNotFound = errors.New("corpus not found, run prepdata first")

// Shape is a source with the dimensions of its stored matrix.
type Shape struct {
	Name  string `json:"name"`
	Label int32  `json:"label"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

// Store provides persistent storage for corpora using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) memlearn.db under dataPath.
func New(dataPath string) (*Store, error) {
	return open(filepath.Join(dataPath, "memlearn.db"), false)
}

// OpenReadOnly opens an existing database without taking the write lock.
func OpenReadOnly(dataPath string) (*Store, error) {
	return open(filepath.Join(dataPath, "memlearn.db"), true)
}

func open(dbPath string, readOnly bool) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if readOnly {
		return &Store{db: db}, nil
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(evaluationsBucket)); err != nil {
			return fmt.Errorf("create evaluations bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// SaveCorpus replaces a corpus variant in a single transaction.
func (s *Store) SaveCorpus(variant string, c *features.Corpus) error {
	if c == nil || len(c.Sources) == 0 {
		return errors.New("empty corpus")
	}
	if len(c.Sources) != len(c.Matrices) {
		return fmt.Errorf("corpus has %d sources but %d matrices", len(c.Sources), len(c.Matrices))
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if seen[src.Name] {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		seen[src.Name] = true
	}

	// encode outside the write transaction
	encoded := make([][]byte, len(c.Matrices))
	shapes := make([]Shape, len(c.Matrices))
	for i, m := range c.Matrices {
		data, err := encodeMatrix(m)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Sources[i].Name, err)
		}
		encoded[i] = data
		rows, cols := m.Dims()
		shapes[i] = Shape{Name: c.Sources[i].Name, Label: c.Sources[i].Label, Rows: rows, Cols: cols}
	}
	shapeDoc, err := json.Marshal(shapes)
	if err != nil {
		return fmt.Errorf("marshal shapes: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		name := []byte(corpusPrefix + variant)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("drop old corpus: %w", err)
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("create corpus bucket: %w", err)
		}

		sources, err := json.Marshal(c.Sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		if err := b.Put([]byte(sourcesKey), sources); err != nil {
			return err
		}
		if err := b.Put([]byte(shapesKey), shapeDoc); err != nil {
			return err
		}
		if c.Mask != nil {
			if err := b.Put([]byte(maskKey), packMask(c.Mask)); err != nil {
				return err
			}
		}
		if err := b.Put([]byte(builtKey), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}

		mb, err := b.CreateBucket([]byte(matricesBucket))
		if err != nil {
			return fmt.Errorf("create matrices bucket: %w", err)
		}
		for i, src := range c.Sources {
			if err := mb.Put([]byte(src.Name), encoded[i]); err != nil {
				return fmt.Errorf("put matrix %s: %w", src.Name, err)
			}
		}
		return nil
	})
}

// LoadCorpus reads a whole corpus variant.
func (s *Store) LoadCorpus(variant string) (*features.Corpus, error) {
	c := &features.Corpus{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		if c.Sources, err = readSources(b); err != nil {
			return err
		}
		if raw := b.Get([]byte(maskKey)); raw != nil {
			if c.Mask, err = unpackMask(raw); err != nil {
				return err
			}
		}

		mb := b.Bucket([]byte(matricesBucket))
		if mb == nil {
			return fmt.Errorf("corpus %s has no matrices", variant)
		}
		c.Matrices = make([]*mat.Dense, len(c.Sources))
		for i, src := range c.Sources {
			data := mb.Get([]byte(src.Name))
			if data == nil {
				return fmt.Errorf("corpus %s: missing matrix for %s", variant, src.Name)
			}
			m, err := decodeMatrix(data)
			if err != nil {
				return fmt.Errorf("%s: %w", src.Name, err)
			}
			c.Matrices[i] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListSources returns the sources of a variant without decoding matrices.
func (s *Store) ListSources(variant string) ([]features.Source, error) {
	var sources []features.Source
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		sources, err = readSources(b)
		return err
	})
	return sources, err
}

// Shapes returns the sources of a variant with their matrix dimensions. Stores
// written before shapes were recorded fall back to decoding each matrix.
func (s *Store) Shapes(variant string) ([]Shape, error) {
	var shapes []Shape
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(shapesKey)); raw != nil {
			if err := json.Unmarshal(raw, &shapes); err != nil {
				return fmt.Errorf("unmarshal shapes: %w", err)
			}
			return nil
		}

		sources, err := readSources(b)
		if err != nil {
			return err
		}
		mb := b.Bucket([]byte(matricesBucket))
		if mb == nil {
			return fmt.Errorf("corpus %s has no matrices", variant)
		}
		shapes = make([]Shape, len(sources))
		for i, src := range sources {
			m, err := decodeMatrix(mb.Get([]byte(src.Name)))
			if err != nil {
				return fmt.Errorf("%s: %w", src.Name, err)
			}
			rows, cols := m.Dims()
			shapes[i] = Shape{Name: src.Name, Label: src.Label, Rows: rows, Cols: cols}
		}
		return nil
	})
	return shapes, err
}

// LoadMatrix decodes a single source matrix.
func (s *Store) LoadMatrix(variant, name string) (*mat.Dense, error) {
	var m *mat.Dense
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		mb := b.Bucket([]byte(matricesBucket))
		if mb == nil {
			return fmt.Errorf("corpus %s has no matrices", variant)
		}
		data := mb.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("corpus %s: no source %q", variant, name)
		}
		m, err = decodeMatrix(data)
		return err
	})
	return m, err
}

// Mask returns the column mask of a variant, nil when it has none.
func (s *Store) Mask(variant string) ([]bool, error) {
	var mask []bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(maskKey)); raw != nil {
			mask, err = unpackMask(raw)
		}
		return err
	})
	return mask, err
}

// BuiltAt returns when a variant was last saved.
func (s *Store) BuiltAt(variant string) (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := corpusBucket(tx, variant)
		if err != nil {
			return err
		}
		ts, err = time.Parse(time.RFC3339Nano, string(b.Get([]byte(builtKey))))
		return err
	})
	return ts, err
}

func corpusBucket(tx *bbolt.Tx, variant string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(corpusPrefix + variant))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, variant)
	}
	return b, nil
}

func readSources(b *bbolt.Bucket) ([]features.Source, error) {
	var sources []features.Source
	if err := json.Unmarshal(b.Get([]byte(sourcesKey)), &sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	return sources, nil
}

// packMask stores the mask length followed by one bit per column.
func packMask(mask []bool) []byte {
	out := make([]byte, 8+(len(mask)+7)/8)
	binary.BigEndian.PutUint64(out, uint64(len(mask)))
	for j, k := range mask {
		if k {
			out[8+j/8] |= 1 << (j % 8)
		}
	}
	return out
}

func unpackMask(raw []byte) ([]bool, error) {
	if len(raw) < 8 {
		return nil, errors.New("mask record too short")
	}
	n := binary.BigEndian.Uint64(raw)
	if uint64(len(raw)-8) != (n+7)/8 {
		return nil, fmt.Errorf("mask record of %d bytes cannot hold %d columns", len(raw), n)
	}
	mask := make([]bool, n)
	for j := range mask {
		mask[j] = raw[8+j/8]&(1<<(j%8)) != 0
	}
	return mask, nil
}

func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
