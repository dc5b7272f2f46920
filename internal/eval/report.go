package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LogEntry is one evaluation in an evaluation log.
type LogEntry struct {
	Result
	Epoch      int        `json:"epoch,omitempty"`
	Classifier string     `json:"classifier,omitempty"`
	Time       *time.Time `json:"time,omitempty"`
}

// WriteReport renders a log as per-epoch confusion tables. Rows are the
// classifier's answer (C+ rootkit, C- benign), columns the truth.
func WriteReport(w io.Writer, entries []Result) error {
	var b strings.Builder
	b.WriteString("\tD+\tD-\n")
	b.WriteString("C+:\tTP\tFN\n")
	b.WriteString("C-:\tFP\tTN\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "EPOCH %d-------------------------\n", i+1)
		fmt.Fprintf(&b, "C+:\t%d\t%d\n", e.TP, e.FN)
		fmt.Fprintf(&b, "C-:\t%d\t%d\n", e.FP, e.TN)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ReadLog decodes a JSON array of log objects. Each object must carry tp, tn,
// fp and fn as numbers or numeric strings; other keys are ignored.
func ReadLog(r io.Reader) ([]Result, error) {
	var raw []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode log: %w", err)
	}

	out := make([]Result, len(raw))
	for i, obj := range raw {
		fields := []struct {
			key string
			dst *int
		}{
			{"tp", &out[i].TP},
			{"tn", &out[i].TN},
			{"fp", &out[i].FP},
			{"fn", &out[i].FN},
		}
		for _, f := range fields {
			v, ok := obj[f.key]
			if !ok {
				return nil, fmt.Errorf("entry %d: missing %q", i, f.key)
			}
			n, err := parseCount(v)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", i, f.key, err)
			}
			*f.dst = n
		}
	}
	return out, nil
}

// parseCount accepts a JSON number, truncated toward zero, or a string holding
// a base-10 integer.
func parseCount(raw json.RawMessage) (int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", s)
		}
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return int(f), nil
}

// AppendLog adds an entry to the JSON log at path, creating it when missing.
// The entry's epoch is set to its position in the log. Existing entries are
// written back as they were read, whatever keys and count encodings they use.
func AppendLog(path string, e LogEntry) error {
	var entries []json.RawMessage
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(bytes.TrimSpace(data)) == 0 {
			break
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode log %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	e.Epoch = len(entries) + 1
	entry, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	entries = append(entries, entry)
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	log.Info().Str("file", path).Int("epoch", e.Epoch).Msg("evaluation log updated")
	return nil
}
