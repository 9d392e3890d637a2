package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies which compressor (if any) produced a segment's
// stored bytes, persisted alongside the segment row so the download
// engine knows how to reverse it.
type Algorithm byte

const (
	AlgorithmNone Algorithm = iota
	AlgorithmZstd
)

// CompressSegment tries zstd and keeps the result only when it shrinks
// the data by at least minGain (a fraction of the plaintext size, e.g.
// 0.05 for 5%); otherwise it stores the segment uncompressed. The
// margin keeps marginal wins from costing a decompress on every
// download. This mirrors the teacher's backend/compress handlers, which
// likewise fall back to the raw stream when compression doesn't pay for
// itself.
func CompressSegment(plain []byte, minGain float64) (Algorithm, []byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return AlgorithmNone, nil, fmt.Errorf("codec: new zstd encoder: %w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(plain, nil)
	gain := len(plain) - len(compressed)
	if gain <= 0 || float64(gain) < minGain*float64(len(plain)) {
		return AlgorithmNone, plain, nil
	}
	return AlgorithmZstd, compressed, nil
}

// DecompressSegment reverses CompressSegment given the algorithm that was
// recorded for this segment.
func DecompressSegment(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: new zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown compression algorithm %d", alg)
	}
}
