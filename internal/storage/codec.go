package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// EncodeAll/DecodeAll are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
}

func encodeMatrix(m *mat.Dense) ([]byte, error) {
	raw, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal matrix: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/8)), nil
}

func decodeMatrix(data []byte) (*mat.Dense, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress matrix: %w", err)
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal matrix: %w", err)
	}
	return &m, nil
}
