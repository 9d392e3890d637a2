package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// ListSegmentsByFolder gathers every segment belonging to folderID,
// whether it carries a single file's bytes or a pack's, joining through
// whichever of files/packs owns it. Used by publish_folder to assemble
// a folder's Core Index without the caller needing to know the
// file/pack split.
func (s *Store) ListSegmentsByFolder(ctx context.Context, folderID string) ([]model.Segment, error) {
	q := fmt.Sprintf(`SELECT s.id, s.file_id, s.pack_id, s.idx, s.plain_size, s.cipher_size, s.plain_hash, s.cipher_hash, s.redundancy, s.compression_alg
		FROM segments s
		LEFT JOIN files f ON s.file_id = f.id
		LEFT JOIN packs p ON s.pack_id = p.id
		WHERE f.folder_id = %s OR p.folder_id = %s
		ORDER BY s.file_id, s.pack_id, s.idx`, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, folderID, folderID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListSegmentsByFolder", err)
	}
	defer rows.Close()

	var out []model.Segment
	for rows.Next() {
		var seg model.Segment
		var fileID, packID sql.NullString
		var hash, cipherHash []byte
		if err := rows.Scan(&seg.ID, &fileID, &packID, &seg.Index, &seg.PlainSize, &seg.CipherSize, &hash, &cipherHash, &seg.Redundancy, &seg.CompressionAlg); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListSegmentsByFolder", err)
		}
		seg.FileID = fileID.String
		seg.PackID = packID.String
		copy(seg.PlainHash[:], hash)
		copy(seg.CipherHash[:], cipherHash)

		copies, err := s.ListSegmentCopies(ctx, seg.ID)
		if err != nil {
			return nil, err
		}
		seg.Copies = copies
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ListPacksByFolder returns every pack belonging to folderID with its
// member entries. The order of the packs is not defined.
func (s *Store) ListPacksByFolder(ctx context.Context, folderID string) ([]model.Pack, error) {
	q := fmt.Sprintf(`SELECT id FROM packs WHERE folder_id = %s`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, folderID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListPacksByFolder", err)
	}
	defer rows.Close()

	var packs []model.Pack
	for rows.Next() {
		var p model.Pack
		if err := rows.Scan(&p.ID); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListPacksByFolder", err)
		}
		p.FolderID = folderID
		packs = append(packs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListPacksByFolder", err)
	}

	for i := range packs {
		entries, err := s.listPackEntries(ctx, packs[i].ID)
		if err != nil {
			return nil, err
		}
		packs[i].Entries = entries
	}
	return packs, nil
}

func (s *Store) listPackEntries(ctx context.Context, packID string) ([]model.PackEntry, error) {
	q := fmt.Sprintf(`SELECT file_id, offset_bytes, length_bytes FROM pack_entries WHERE pack_id = %s ORDER BY offset_bytes`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, packID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.listPackEntries", err)
	}
	defer rows.Close()

	var entries []model.PackEntry
	for rows.Next() {
		var e model.PackEntry
		if err := rows.Scan(&e.FileID, &e.Offset, &e.Length); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.listPackEntries", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertPack records a pack row and its member directory inside one
// transaction.
func (s *Store) InsertPack(ctx context.Context, pack model.Pack) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertPack", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`INSERT INTO packs (id, folder_id) VALUES (%s, %s) ON CONFLICT (id) DO NOTHING`, s.placeholder(1), s.placeholder(2))
	if _, err := tx.ExecContext(ctx, q, pack.ID, pack.FolderID); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertPack", err)
	}

	eq := fmt.Sprintf(`INSERT INTO pack_entries (pack_id, file_id, offset_bytes, length_bytes) VALUES (%s, %s, %s, %s) ON CONFLICT (pack_id, file_id) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	stmt, err := tx.PrepareContext(ctx, eq)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertPack", err)
	}
	defer stmt.Close()
	for _, e := range pack.Entries {
		if _, err := stmt.ExecContext(ctx, pack.ID, e.FileID, e.Offset, e.Length); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertPack", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertPack", err)
	}
	return nil
}
