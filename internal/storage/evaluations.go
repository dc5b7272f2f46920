package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// EvaluationRecord is one confusion-matrix result.
type EvaluationRecord struct {
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"timestamp"`
	Classifier string    `json:"classifier"`
	Variant    string    `json:"variant"`
	TestSets   []string  `json:"test_sets"`
	TP         int       `json:"tp"`
	FP         int       `json:"fp"`
	FN         int       `json:"fn"`
	TN         int       `json:"tn"`
}

func evaluationKey(ts time.Time, runID string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", ts.UnixNano(), runID))
}

// StoreEvaluation stores an evaluation record keyed by timestamp.
func (s *Store) StoreEvaluation(record EvaluationRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(evaluationsBucket))
		if err != nil {
			return fmt.Errorf("create evaluations bucket: %w", err)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		return b.Put(evaluationKey(record.Timestamp, record.RunID), data)
	})
}

// Evaluations returns records with start <= timestamp <= end, oldest first.
func (s *Store) Evaluations(start, end time.Time) ([]EvaluationRecord, error) {
	var records []EvaluationRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(evaluationsBucket))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		startKey := []byte(fmt.Sprintf("%020d_", start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%020d_", end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && compareKeys(k, endKey) < 0; k, v = c.Next() {
			var rec EvaluationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// EvaluationsByRun returns the records of one run.
func (s *Store) EvaluationsByRun(runID string) ([]EvaluationRecord, error) {
	var records []EvaluationRecord
	suffix := []byte("_" + runID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(evaluationsBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if !bytes.HasSuffix(k, suffix) {
				return nil
			}
			var rec EvaluationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})

	return records, err
}
