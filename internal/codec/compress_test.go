package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressSegmentRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("compressible payload "), 2000)

	alg, stored, err := CompressSegment(plain, 0.05)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmZstd, alg)
	assert.Less(t, len(stored), len(plain))

	out, err := DecompressSegment(alg, stored)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestCompressSegmentSkipsIncompressibleData(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	alg, stored, err := CompressSegment(random, 0.05)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmNone, alg)
	assert.Equal(t, random, stored)

	out, err := DecompressSegment(alg, stored)
	require.NoError(t, err)
	assert.Equal(t, random, out)
}

func TestCompressSegmentHonorsMinimumGain(t *testing.T) {
	plain := bytes.Repeat([]byte("compressible payload "), 2000)

	// A gain threshold no real compressor can reach forces the
	// plaintext through even though zstd would shrink it.
	alg, stored, err := CompressSegment(plain, 0.999)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmNone, alg)
	assert.Equal(t, plain, stored)
}
