package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYEncRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0x00, 0x0A, 0x0D, '=', '.', 'x', 0xFF}, 50)

	var buf bytes.Buffer
	require.NoError(t, YEncEncode(&buf, "segment.bin", 1, 1, data))

	decoded, err := YEncDecode(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestYEncRoundTripMultiPart(t *testing.T) {
	data := []byte("hello from a multi-part yenc article, padded out a bit further")

	var buf bytes.Buffer
	require.NoError(t, YEncEncode(&buf, "segment.bin", 2, 5, data))

	decoded, err := YEncDecode(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestYEncDecodeDetectsCorruption(t *testing.T) {
	data := []byte("some plaintext bytes to corrupt after encoding")

	var buf bytes.Buffer
	require.NoError(t, YEncEncode(&buf, "segment.bin", 1, 1, data))

	corrupted := bytes.Replace(buf.Bytes(), []byte("hello"), []byte("HELLO"), 1)
	if bytes.Equal(corrupted, buf.Bytes()) {
		// "hello" wasn't present; flip a data byte directly instead.
		lines := bytes.Split(buf.Bytes(), []byte("\r\n"))
		lines[1][0] ^= 0xFF
		corrupted = bytes.Join(lines, []byte("\r\n"))
	}

	_, err := YEncDecode(bytes.NewReader(corrupted))
	assert.Error(t, err)
}
