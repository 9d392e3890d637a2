package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/model"
)

func sampleIndex() model.CoreIndex {
	now := time.Now().UTC().Truncate(time.Second)
	return model.CoreIndex{
		FolderID: "folder-xyz",
		Version:  1,
		Files: []model.File{
			{ID: "file-1", RelativePath: "docs/a.txt", Size: 128, ModTime: now, ContentHash: [32]byte{1, 2, 3}},
			{ID: "file-2", RelativePath: "docs/b.txt", Size: 256, ModTime: now, Packed: true, PackID: "pack-1"},
		},
		Segments: []model.Segment{
			{ID: "seg-1", FileID: "file-1", Index: 0, PlainSize: 128, CipherSize: 140, Redundancy: 2, CompressionAlg: 1,
				Copies: []model.SegmentCopy{
					{Newsgroup: "alt.binaries.test", OuterSubject: "obfuscated", MessageID: "seg-1.0@usenetsync", PostedAt: now},
				}},
		},
		Packs: []model.Pack{
			{ID: "pack-1", Entries: []model.PackEntry{{FileID: "file-2", Offset: 0, Length: 256}}},
		},
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	idx := sampleIndex()

	data, err := Build(idx)
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionLZMA), data[0])

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, parsed.Files, 2)
	assert.Equal(t, "docs/a.txt", parsed.Files[0].RelativePath)
	assert.Equal(t, "pack-1", parsed.Files[1].PackID)
	require.Len(t, parsed.Segments, 1)
	assert.Equal(t, 2, parsed.Segments[0].Redundancy)
	assert.Equal(t, byte(1), parsed.Segments[0].CompressionAlg)
	require.Len(t, parsed.Segments[0].Copies, 1)
	assert.Equal(t, "seg-1.0@usenetsync", parsed.Segments[0].Copies[0].MessageID)
	require.Len(t, parsed.Packs, 1)
	assert.Equal(t, int64(256), parsed.Packs[0].Entries[0].Length)
}

func TestParseRejectsTruncatedGzipBody(t *testing.T) {
	_, err := Parse([]byte{byte(CompressionGzip), 0x1f, 0x8b})
	assert.Error(t, err)
}
