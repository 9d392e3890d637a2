// Package indexer walks a local folder into model.File rows, the first
// step of publishing, ahead of segmentation. It mirrors the
// directory-walk shape of rclone's
// backend/local.go (skip symlinks unless configured otherwise, skip
// hidden/ignored entries, record size+mtime+relative path) scaled down
// to local-only scanning since this system has exactly one source: the
// filesystem.
package indexer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Entry is one discovered file, with its plaintext hash already computed
// so the caller can detect unchanged files across repeated scans.
type Entry struct {
	RelativePath string
	AbsolutePath string
	Size         int64
	ModTime      time.Time
	ContentHash  [32]byte
}

// Walk scans root and returns its files in deterministic relative-path
// order, matching the stable ordering the Packer and manifest builder
// depend on.
func Walk(ctx context.Context, root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("indexer: walk %s: %w", path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil // symlinks are not followed, matching the spec's local-only scope
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("indexer: stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("indexer: relativize %s: %w", path, err)
		}

		hash, err := hashFile(path)
		if err != nil {
			return err
		}

		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(rel),
			AbsolutePath: path,
			Size:         info.Size(),
			ModTime:      info.ModTime().UTC(),
			ContentHash:  hash,
		})
		return nil
	})
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "indexer.Walk", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
	return entries, nil
}

// hashFile streams path through SHA-256 in bounded buffers rather than
// loading the whole file, so indexing a folder of multi-gigabyte files
// holds only one read buffer at a time.
func hashFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("indexer: open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, fmt.Errorf("indexer: hash %s: %w", path, err)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ToFileRows converts scanned entries into model.File rows owned by
// folderID, assigning fresh IDs. prior maps relative path to the
// newest already-recorded row: entries whose content hash is unchanged
// are dropped (their existing row stands), entries whose hash changed
// get a bumped version. Packing decisions are made by the caller (the
// upload engine), since indexing alone doesn't know the configured
// PACK_THRESHOLD.
func ToFileRows(folderID string, entries []Entry, prior map[string]model.File) []model.File {
	var out []model.File
	for _, e := range entries {
		row := model.File{
			ID:           uuid.NewString(),
			FolderID:     folderID,
			RelativePath: e.RelativePath,
			Size:         e.Size,
			ModTime:      e.ModTime,
			ContentHash:  e.ContentHash,
			Version:      1,
		}
		if prev, ok := prior[e.RelativePath]; ok {
			if prev.ContentHash == e.ContentHash {
				continue
			}
			row.Version = prev.Version + 1
		}
		out = append(out, row)
	}
	return out
}
