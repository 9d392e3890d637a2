package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/model"
)

func TestListSegmentsByFolderCoversFileAndPackSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.CreateUser(ctx, model.User{ID: "u1", PublicKey: []byte("pk"), CreatedAt: now}))
	require.NoError(t, s.CreateFolder(ctx, model.Folder{ID: "f1", OwnerID: "u1", Path: "/x", FolderKey: []byte("k"), CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, s.InsertFiles(ctx, []model.File{
		{ID: "file-a", FolderID: "f1", RelativePath: "a.bin", Size: 100, ModTime: now},
	}))
	require.NoError(t, s.InsertPack(ctx, model.Pack{
		ID: "pack-1", FolderID: "f1",
		Entries: []model.PackEntry{{FileID: "file-a", Offset: 0, Length: 50}},
	}))

	require.NoError(t, s.InsertSegments(ctx, []model.Segment{
		{ID: "seg-file", FileID: "file-a", Index: 0, PlainSize: 100, CipherSize: 110, Redundancy: 1},
		{ID: "seg-pack", PackID: "pack-1", Index: 0, PlainSize: 50, CipherSize: 55, Redundancy: 1},
	}))
	require.NoError(t, s.RecordSegmentCopy(ctx, "seg-file", model.SegmentCopy{
		Newsgroup: "alt.binaries.test", MessageID: "seg-file.0@usenetsync", PostedAt: now,
	}))

	segs, err := s.ListSegmentsByFolder(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, segs, 2)

	byID := map[string]model.Segment{}
	for _, seg := range segs {
		byID[seg.ID] = seg
	}
	require.Len(t, byID["seg-file"].Copies, 1)
	assert.Equal(t, "seg-file.0@usenetsync", byID["seg-file"].Copies[0].MessageID)
	assert.Empty(t, byID["seg-pack"].Copies)

	packs, err := s.ListPacksByFolder(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, packs, 1)
	require.Len(t, packs[0].Entries, 1)
	assert.Equal(t, int64(50), packs[0].Entries[0].Length)
}
