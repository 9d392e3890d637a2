package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/model"
)

func TestWalkFindsFilesInDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bbb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.txt"), []byte("ccc"), 0o600))

	entries, err := Walk(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].RelativePath)
	assert.Equal(t, "b.txt", entries[1].RelativePath)
	assert.Equal(t, "sub/c.txt", entries[2].RelativePath)
	assert.NotZero(t, entries[0].ContentHash)
}

func TestToFileRowsAssignsFolderID(t *testing.T) {
	entries := []Entry{{RelativePath: "x.txt", Size: 3}}
	rows := ToFileRows("folder-1", entries, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "folder-1", rows[0].FolderID)
	assert.NotEmpty(t, rows[0].ID)
	assert.Equal(t, 1, rows[0].Version)
}

func TestToFileRowsBumpsVersionOnContentChange(t *testing.T) {
	oldHash := [32]byte{1}
	newHash := [32]byte{2}
	prior := map[string]model.File{
		"same.txt":    {RelativePath: "same.txt", ContentHash: oldHash, Version: 3},
		"changed.txt": {RelativePath: "changed.txt", ContentHash: oldHash, Version: 2},
	}
	entries := []Entry{
		{RelativePath: "same.txt", ContentHash: oldHash},
		{RelativePath: "changed.txt", ContentHash: newHash},
		{RelativePath: "fresh.txt", ContentHash: newHash},
	}
	rows := ToFileRows("folder-1", entries, prior)
	require.Len(t, rows, 2)
	assert.Equal(t, "changed.txt", rows[0].RelativePath)
	assert.Equal(t, 3, rows[0].Version)
	assert.Equal(t, "fresh.txt", rows[1].RelativePath)
	assert.Equal(t, 1, rows[1].Version)
}
