package download

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/codec"
	"github.com/usenetsync/usenetsync/internal/crypto"
	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/nntp"
	"github.com/usenetsync/usenetsync/internal/nntp/nntptest"
)

// postSegment seeds the fake server with n redundant copies of plain,
// exactly the way the upload engine would (compressed, sealed, and
// yEnc-encoded) and returns the resulting model.Segment row plus its
// copies.
func postSegment(t *testing.T, server *nntptest.Server, segmentKey crypto.Key, fileID string, index int, plain []byte, copies int) (model.Segment, []model.SegmentCopy) {
	t.Helper()
	alg, compressed, err := codec.CompressSegment(plain, 0)
	require.NoError(t, err)

	segmentID := "seg-0"
	sealed, err := crypto.Seal(segmentKey, compressed, []byte(segmentID))
	require.NoError(t, err)
	body, err := codec.EncodeArticleBody(segmentID, index+1, 1, sealed)
	require.NoError(t, err)

	var segCopies []model.SegmentCopy
	for i := 0; i < copies; i++ {
		messageID := "msg-" + string(rune('a'+i))
		require.NoError(t, server.Post(context.Background(), nntp.Article{
			MessageID: messageID,
			Subject:   "obfuscated",
			Newsgroup: "alt.binaries.test",
			From:      "poster@example.invalid",
			Body:      body,
		}))
		segCopies = append(segCopies, model.SegmentCopy{MessageID: messageID, Newsgroup: "alt.binaries.test"})
	}

	seg := model.Segment{
		ID: segmentID, FileID: fileID, Index: index,
		PlainSize:      int64(len(plain)),
		PlainHash:      crypto.Hash256(plain),
		CipherHash:     crypto.Hash256(sealed),
		CompressionAlg: byte(alg),
	}
	return seg, segCopies
}

func TestDownloadFileReassemblesSingleSegment(t *testing.T) {
	ctx := context.Background()
	server := nntptest.NewServer()
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)
	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	require.NoError(t, err)

	plain := []byte("first segment bytes")
	seg, copies := postSegment(t, server, segmentKey, "file-1", 0, plain, 2)

	engine := New(server, nil, nil, Options{Workers: 2})

	destPath := t.TempDir() + "/out.bin"
	copiesOf := func(segmentID string) []model.SegmentCopy { return copies }
	file := model.File{ID: "file-1", RelativePath: "out.bin", Size: int64(len(plain)), ContentHash: crypto.Hash256(plain)}

	err = engine.DownloadFile(ctx, file, []model.Segment{seg}, copiesOf, segmentKey, destPath, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "first segment bytes", string(got))
}

func TestDownloadFileFailsWhenNoCopyHasTheArticle(t *testing.T) {
	ctx := context.Background()
	server := nntptest.NewServer()
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)
	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	require.NoError(t, err)

	seg := model.Segment{ID: "missing-seg", FileID: "file-1", Index: 0, CipherHash: [32]byte{1}}
	engine := New(server, nil, nil, Options{Workers: 1})

	copiesOf := func(segmentID string) []model.SegmentCopy {
		return []model.SegmentCopy{{MessageID: "does-not-exist"}}
	}

	err = engine.DownloadFile(ctx, model.File{ID: "file-1"}, []model.Segment{seg}, copiesOf, segmentKey, t.TempDir()+"/out.bin", nil)
	require.Error(t, err)
}

func TestDownloadFileTriesNextCopyOnFailure(t *testing.T) {
	ctx := context.Background()
	server := nntptest.NewServer()
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)
	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	require.NoError(t, err)

	plain := []byte("redundant copy fallback")
	seg, copies := postSegment(t, server, segmentKey, "file-1", 0, plain, 1)
	badFirst := append([]model.SegmentCopy{{MessageID: "nonexistent-copy"}}, copies...)

	engine := New(server, nil, nil, Options{Workers: 1})
	copiesOf := func(segmentID string) []model.SegmentCopy { return badFirst }

	destPath := t.TempDir() + "/out.bin"
	file := model.File{ID: "file-1", Size: int64(len(plain)), ContentHash: crypto.Hash256(plain)}
	err = engine.DownloadFile(ctx, file, []model.Segment{seg}, copiesOf, segmentKey, destPath, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "redundant copy fallback", string(got))
}

func TestFetchSegmentsServesSecondRequestFromCache(t *testing.T) {
	ctx := context.Background()
	server := nntptest.NewServer()
	folderKey, err := crypto.RandomKey()
	require.NoError(t, err)
	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	require.NoError(t, err)

	plain := []byte("cached segment payload")
	seg, copies := postSegment(t, server, segmentKey, "", 0, plain, 1)
	seg.FileID = ""
	seg.PackID = "pack-1"
	copiesOf := func(segmentID string) []model.SegmentCopy { return copies }

	engine := New(server, nil, nil, Options{Workers: 1})

	got, err := engine.FetchSegments(ctx, []model.Segment{seg}, copiesOf, segmentKey, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	fetchesBefore := server.Fetches()
	got, err = engine.FetchSegments(ctx, []model.Segment{seg}, copiesOf, segmentKey, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	assert.Equal(t, fetchesBefore, server.Fetches(), "second fetch must be served from the segment cache")
}
