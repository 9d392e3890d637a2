package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFolderCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateUser(ctx, model.User{ID: "user-1", PublicKey: []byte("pk"), CreatedAt: now}))

	folder := model.Folder{
		ID: "folder-1", OwnerID: "user-1", Path: "/data/docs",
		FolderKey: []byte("0123456789abcdef0123456789abcdef"),
		Access:    model.AccessPrivate, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateFolder(ctx, folder))

	got, err := s.GetFolder(ctx, "folder-1")
	require.NoError(t, err)
	assert.Equal(t, folder.OwnerID, got.OwnerID)
	assert.Equal(t, model.AccessPrivate, got.Access)

	require.NoError(t, s.UpdateFolderScanStats(ctx, "folder-1", 3, 4096, now))
	require.NoError(t, s.UpdateFolderTransferStats(ctx, "folder-1", 10, 2048))
	got, err = s.GetFolder(ctx, "folder-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Stats.FileCount)
	assert.EqualValues(t, 10, got.Stats.SegmentCount)
	assert.EqualValues(t, 2048, got.Stats.UploadedBytes)

	// A later re-scan must not clobber the transfer-side counters.
	require.NoError(t, s.UpdateFolderScanStats(ctx, "folder-1", 4, 8192, now))
	got, err = s.GetFolder(ctx, "folder-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Stats.FileCount)
	assert.EqualValues(t, 10, got.Stats.SegmentCount)
	assert.EqualValues(t, 2048, got.Stats.UploadedBytes)
}

func TestGetFolderNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFolder(context.Background(), "missing")
	assert.Equal(t, usenetsyncerr.NotFound, usenetsyncerr.Of(err))
}

func TestInsertFilesAndListFiles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateUser(ctx, model.User{ID: "u1", PublicKey: []byte("pk"), CreatedAt: now}))
	require.NoError(t, s.CreateFolder(ctx, model.Folder{ID: "f1", OwnerID: "u1", Path: "/x", FolderKey: []byte("k"), CreatedAt: now, UpdatedAt: now}))

	files := []model.File{
		{ID: "file-a", FolderID: "f1", RelativePath: "a.txt", Size: 10, ModTime: now},
		{ID: "file-b", FolderID: "f1", RelativePath: "b.txt", Size: 20, ModTime: now},
	}
	require.NoError(t, s.InsertFiles(ctx, files))

	listed, err := s.ListFiles(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "a.txt", listed[0].RelativePath)
}

func TestQueueItemLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateUser(ctx, model.User{ID: "u1", PublicKey: []byte("pk"), CreatedAt: now}))
	require.NoError(t, s.CreateFolder(ctx, model.Folder{ID: "f1", OwnerID: "u1", Path: "/x", FolderKey: []byte("k"), CreatedAt: now, UpdatedAt: now}))

	item := model.QueueItem{ID: "q1", FolderID: "f1", Kind: "upload", Priority: model.PriorityHigh, State: model.QueuePending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateQueueItem(ctx, item))

	active, err := s.ListActiveQueueItems(ctx, "upload")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "q1", active[0].ID)

	require.NoError(t, s.SetQueueItemState(ctx, "q1", model.QueueDone, ""))
	got, err := s.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueDone, got.State)
}

func TestSegmentProgressAggregatesIntoQueueBytes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateUser(ctx, model.User{ID: "u1", PublicKey: []byte("pk"), CreatedAt: now}))
	require.NoError(t, s.CreateFolder(ctx, model.Folder{ID: "f1", OwnerID: "u1", Path: "/x", FolderKey: []byte("k"), CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.InsertFiles(ctx, []model.File{{ID: "file-a", FolderID: "f1", RelativePath: "a.bin", Size: 300, ModTime: now}}))
	require.NoError(t, s.InsertSegments(ctx, []model.Segment{
		{ID: "seg-1", FileID: "file-a", Index: 0, PlainSize: 100, CipherSize: 110},
		{ID: "seg-2", FileID: "file-a", Index: 1, PlainSize: 200, CipherSize: 210},
	}))
	require.NoError(t, s.CreateQueueItem(ctx, model.QueueItem{ID: "q1", FolderID: "f1", Kind: "upload", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.SetQueueItemTotal(ctx, "q1", 300))

	require.NoError(t, s.UpsertSegmentProgress(ctx, model.SegmentProgress{QueueItemID: "q1", SegmentID: "seg-1", Done: true, BytesDone: 100}))
	require.NoError(t, s.UpsertSegmentProgress(ctx, model.SegmentProgress{QueueItemID: "q1", SegmentID: "seg-2", Done: false, BytesDone: 50}))

	done, err := s.QueueItemBytesDone(ctx, "q1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, done)

	item, err := s.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, item.BytesDone)
	assert.EqualValues(t, 300, item.BytesTotal)

	doneSet, err := s.ListDoneSegments(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, doneSet["seg-1"])
	assert.False(t, doneSet["seg-2"])

	// Re-upserting the same row replaces, never double-counts.
	require.NoError(t, s.UpsertSegmentProgress(ctx, model.SegmentProgress{QueueItemID: "q1", SegmentID: "seg-2", Done: true, BytesDone: 200}))
	done, err = s.QueueItemBytesDone(ctx, "q1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, done)
}

func TestInsertFilesKeepsNewestVersionVisible(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateUser(ctx, model.User{ID: "u1", PublicKey: []byte("pk"), CreatedAt: now}))
	require.NoError(t, s.CreateFolder(ctx, model.Folder{ID: "f1", OwnerID: "u1", Path: "/x", FolderKey: []byte("k"), CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, s.InsertFiles(ctx, []model.File{
		{ID: "file-v1", FolderID: "f1", RelativePath: "a.txt", Size: 10, ModTime: now, Version: 1},
	}))
	require.NoError(t, s.InsertFiles(ctx, []model.File{
		{ID: "file-v2", FolderID: "f1", RelativePath: "a.txt", Size: 12, ModTime: now, Version: 2},
	}))

	listed, err := s.ListFiles(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "file-v2", listed[0].ID)
	assert.Equal(t, 2, listed[0].Version)
}
