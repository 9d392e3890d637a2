// Package store is the durable metadata layer: folders, files, segments,
// queues, shares, and progress rows. It is driven entirely through
// database/sql so the embedded (mattn/go-sqlite3) and networked
// (jackc/pgx/v5, via its database/sql stdlib adapter) backends are
// interchangeable behind one Store, the same "one row-mapping layer,
// swappable driver underneath" shape rclone's config/cache layers use
// over differently-backed persistence.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver
	"github.com/pressly/goose/v3"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *sql.DB whose dialect is either "sqlite3" or "pgx",
// applying the goose migration ladder at Open so every caller sees an
// up-to-date schema.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects using driver ("sqlite3" or "pgx") and dsn, then runs any
// pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver == "postgres" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.Open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "store.Open", err)
	}

	goose.SetBaseFS(migrationsFS)
	dialect := "sqlite3"
	if driver == "pgx" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.Open", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.Open", fmt.Errorf("migrate: %w", err))
	}

	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// placeholder renders the i'th bind parameter for the active dialect:
// sqlite3 accepts "?", pgx requires "$N".
func (s *Store) placeholder(i int) string {
	if s.driver == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	q := fmt.Sprintf("INSERT INTO users (id, public_key, created_at) VALUES (%s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, q, u.ID, u.PublicKey, u.CreatedAt)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.CreateUser", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	q := fmt.Sprintf("SELECT id, public_key, created_at FROM users WHERE id = %s", s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)
	var u model.User
	if err := row.Scan(&u.ID, &u.PublicKey, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, usenetsyncerr.New(usenetsyncerr.NotFound, "store.GetUser", err)
		}
		return model.User{}, usenetsyncerr.New(usenetsyncerr.Internal, "store.GetUser", err)
	}
	return u, nil
}

func (s *Store) CreateFolder(ctx context.Context, f model.Folder) error {
	q := fmt.Sprintf(`INSERT INTO folders
		(id, owner_id, path, folder_key, access, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7))
	_, err := s.db.ExecContext(ctx, q, f.ID, f.OwnerID, f.Path, f.FolderKey, int(f.Access), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.CreateFolder", err)
	}
	return nil
}

func (s *Store) GetFolder(ctx context.Context, id string) (model.Folder, error) {
	q := fmt.Sprintf(`SELECT id, owner_id, path, folder_key, access,
		file_count, segment_count, total_bytes, uploaded_bytes, last_scan_at,
		created_at, updated_at FROM folders WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var f model.Folder
	var access int
	var lastScan sql.NullTime
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Path, &f.FolderKey, &access,
		&f.Stats.FileCount, &f.Stats.SegmentCount, &f.Stats.TotalBytes, &f.Stats.UploadedBytes, &lastScan,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Folder{}, usenetsyncerr.New(usenetsyncerr.NotFound, "store.GetFolder", err)
		}
		return model.Folder{}, usenetsyncerr.New(usenetsyncerr.Internal, "store.GetFolder", err)
	}
	f.Access = model.AccessType(access)
	if lastScan.Valid {
		f.Stats.LastScanAt = lastScan.Time
	}
	return f, nil
}

// UpdateFolderScanStats persists the counters gathered during
// index_folder. The transfer-side counters are owned by
// UpdateFolderTransferStats and left untouched here, so a re-scan never
// erases what a completed upload recorded.
func (s *Store) UpdateFolderScanStats(ctx context.Context, folderID string, fileCount, totalBytes int64, lastScanAt time.Time) error {
	q := fmt.Sprintf(`UPDATE folders SET file_count=%s, total_bytes=%s, last_scan_at=%s, updated_at=%s WHERE id=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err := s.db.ExecContext(ctx, q, fileCount, totalBytes, lastScanAt, time.Now().UTC(), folderID)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.UpdateFolderScanStats", err)
	}
	return nil
}

// UpdateFolderTransferStats records how much of the folder's content has
// been segmented and posted, refreshed when an upload run finishes.
func (s *Store) UpdateFolderTransferStats(ctx context.Context, folderID string, segmentCount, uploadedBytes int64) error {
	q := fmt.Sprintf(`UPDATE folders SET segment_count=%s, uploaded_bytes=%s, updated_at=%s WHERE id=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err := s.db.ExecContext(ctx, q, segmentCount, uploadedBytes, time.Now().UTC(), folderID)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.UpdateFolderTransferStats", err)
	}
	return nil
}

// InsertFiles bulk-inserts file rows inside one transaction, satisfying
// the store's batching guarantee for folders with many entries.
func (s *Store) InsertFiles(ctx context.Context, files []model.File) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertFiles", err)
	}
	defer tx.Rollback()

	// ON CONFLICT DO NOTHING keeps re-runs (resume, re-scan of an
	// unchanged tree) idempotent instead of failing on the primary key.
	q := fmt.Sprintf(`INSERT INTO files (id, folder_id, relative_path, size, mod_time, content_hash, version, packed, pack_id)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s) ON CONFLICT (id) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9))
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertFiles", err)
	}
	defer stmt.Close()

	for _, f := range files {
		var packID any
		if f.PackID != "" {
			packID = f.PackID
		}
		version := f.Version
		if version == 0 {
			version = 1
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.FolderID, f.RelativePath, f.Size, f.ModTime, f.ContentHash[:], version, f.Packed, packID); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertFiles", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertFiles", err)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, folderID string) ([]model.File, error) {
	// Only the newest version of each relative path is returned; older
	// versions stay queryable through their segments but never drive a
	// fresh upload or index build.
	q := fmt.Sprintf(`SELECT f.id, f.folder_id, f.relative_path, f.size, f.mod_time, f.content_hash, f.version, f.packed, f.pack_id
		FROM files f
		WHERE f.folder_id = %s AND f.version = (
			SELECT MAX(version) FROM files WHERE folder_id = f.folder_id AND relative_path = f.relative_path
		)
		ORDER BY f.relative_path`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, folderID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListFiles", err)
	}
	defer rows.Close()

	var out []model.File
	for rows.Next() {
		var f model.File
		var hash []byte
		var packID sql.NullString
		if err := rows.Scan(&f.ID, &f.FolderID, &f.RelativePath, &f.Size, &f.ModTime, &hash, &f.Version, &f.Packed, &packID); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListFiles", err)
		}
		copy(f.ContentHash[:], hash)
		f.PackID = packID.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertSegments bulk-inserts segment rows inside one transaction.
func (s *Store) InsertSegments(ctx context.Context, segments []model.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertSegments", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`INSERT INTO segments (id, file_id, pack_id, idx, plain_size, cipher_size, plain_hash, cipher_hash, redundancy, compression_alg)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s) ON CONFLICT (id) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10))
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertSegments", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		var fileID, packID any
		if seg.FileID != "" {
			fileID = seg.FileID
		}
		if seg.PackID != "" {
			packID = seg.PackID
		}
		if _, err := stmt.ExecContext(ctx, seg.ID, fileID, packID, seg.Index, seg.PlainSize, seg.CipherSize, seg.PlainHash[:], seg.CipherHash[:], seg.Redundancy, seg.CompressionAlg); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertSegments", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.InsertSegments", err)
	}
	return nil
}

func (s *Store) GetSegment(ctx context.Context, id string) (model.Segment, error) {
	q := fmt.Sprintf(`SELECT id, file_id, pack_id, idx, plain_size, cipher_size, plain_hash, cipher_hash, redundancy, compression_alg
		FROM segments WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var seg model.Segment
	var fileID, packID sql.NullString
	var hash, cipherHash []byte
	if err := row.Scan(&seg.ID, &fileID, &packID, &seg.Index, &seg.PlainSize, &seg.CipherSize, &hash, &cipherHash, &seg.Redundancy, &seg.CompressionAlg); err != nil {
		if err == sql.ErrNoRows {
			return model.Segment{}, usenetsyncerr.New(usenetsyncerr.NotFound, "store.GetSegment", err)
		}
		return model.Segment{}, usenetsyncerr.New(usenetsyncerr.Internal, "store.GetSegment", err)
	}
	seg.FileID = fileID.String
	seg.PackID = packID.String
	copy(seg.PlainHash[:], hash)
	copy(seg.CipherHash[:], cipherHash)
	return seg, nil
}

// SetFilePack marks a small file as carried by packID's segments
// instead of its own, the Packer's one mutation of a file row.
func (s *Store) SetFilePack(ctx context.Context, fileID, packID string) error {
	q := fmt.Sprintf(`UPDATE files SET packed = %s, pack_id = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, q, true, packID, fileID)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.SetFilePack", err)
	}
	return nil
}

func (s *Store) RecordSegmentCopy(ctx context.Context, segmentID string, copy model.SegmentCopy) error {
	q := fmt.Sprintf(`INSERT INTO segment_copies (segment_id, newsgroup, outer_subject, message_id, posted_at)
		VALUES (%s, %s, %s, %s, %s) ON CONFLICT (segment_id, message_id) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err := s.db.ExecContext(ctx, q, segmentID, copy.Newsgroup, copy.OuterSubject, copy.MessageID, copy.PostedAt)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.RecordSegmentCopy", err)
	}
	return nil
}

func (s *Store) ListSegmentCopies(ctx context.Context, segmentID string) ([]model.SegmentCopy, error) {
	q := fmt.Sprintf(`SELECT newsgroup, outer_subject, message_id, posted_at FROM segment_copies WHERE segment_id = %s`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, segmentID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListSegmentCopies", err)
	}
	defer rows.Close()

	var out []model.SegmentCopy
	for rows.Next() {
		var c model.SegmentCopy
		if err := rows.Scan(&c.Newsgroup, &c.OuterSubject, &c.MessageID, &c.PostedAt); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListSegmentCopies", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
