package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Record is one exported sample (newline-delimited JSON for Python trainers).
type Record struct {
	X [][]float64 `json:"x"`
	Y int32       `json:"y"`
}

// Export writes every example of ds to w as one JSON object per line.
func Export(w io.Writer, ds Dataset) (int, error) {
	enc := json.NewEncoder(w)
	for i := 0; i < ds.Len(); i++ {
		ex, err := ds.Example(i)
		if err != nil {
			return i, err
		}
		r, _ := ex.X.Dims()
		rec := Record{X: make([][]float64, r), Y: ex.Label}
		for j := 0; j < r; j++ {
			rec.X[j] = ex.X.RawRowView(j)
		}
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	return ds.Len(), nil
}

// ExportFile writes ds to path. Paths ending in .zst are zstd-compressed.
func ExportFile(path string, ds Dataset) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		if zw, err = zstd.NewWriter(bw); err != nil {
			return 0, err
		}
		w = zw
	}

	if n, err = Export(w, ds); err != nil {
		return n, err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return n, err
		}
	}
	if err = bw.Flush(); err != nil {
		return n, err
	}

	log.Info().Str("path", path).Int("records", n).Msg("dataset exported")
	return n, nil
}

// ReadRecords decodes an export produced by ExportFile.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	var out []Record
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
	return out, nil
}
