package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

func (s *Store) CreateShare(ctx context.Context, sh model.Share) error {
	q := fmt.Sprintf(`INSERT INTO shares (id, folder_id, access, token, expires_at, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	_, err := s.db.ExecContext(ctx, q, sh.ID, sh.FolderID, int(sh.Access), sh.Token, sh.ExpiresAt, sh.CreatedAt)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.CreateShare", err)
	}
	return nil
}

func (s *Store) GetShare(ctx context.Context, id string) (model.Share, error) {
	q := fmt.Sprintf(`SELECT id, folder_id, access, token, expires_at, created_at FROM shares WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var sh model.Share
	var access int
	var expires sql.NullTime
	if err := row.Scan(&sh.ID, &sh.FolderID, &access, &sh.Token, &expires, &sh.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Share{}, usenetsyncerr.New(usenetsyncerr.NotFound, "store.GetShare", err)
		}
		return model.Share{}, usenetsyncerr.New(usenetsyncerr.Internal, "store.GetShare", err)
	}
	sh.Access = model.AccessType(access)
	if expires.Valid {
		sh.ExpiresAt = &expires.Time
	}
	return sh, nil
}

// AddPrivateMember records a recipient's wrapped key under a non-reversible
// commitment so LookupPrivateMember can check membership without a table
// scan that reveals the whole recipient list to a caller who isn't a member.
func (s *Store) AddPrivateMember(ctx context.Context, shareID string, commitment, wrappedKey []byte) error {
	q := fmt.Sprintf(`INSERT INTO private_share_members (share_id, user_commitment, wrapped_key) VALUES (%s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, q, shareID, commitment, wrappedKey)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.AddPrivateMember", err)
	}
	return nil
}

// LookupPrivateMember returns the wrapped key for commitment, or a
// NotFound *Error indistinguishable at the caller's layer from "access
// denied"; access verification never reveals whether a folder exists
// to a non-member.
func (s *Store) LookupPrivateMember(ctx context.Context, shareID string, commitment []byte) ([]byte, error) {
	q := fmt.Sprintf(`SELECT wrapped_key FROM private_share_members WHERE share_id = %s AND user_commitment = %s`,
		s.placeholder(1), s.placeholder(2))
	row := s.db.QueryRowContext(ctx, q, shareID, commitment)
	var wrappedKey []byte
	if err := row.Scan(&wrappedKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, usenetsyncerr.New(usenetsyncerr.NotFound, "store.LookupPrivateMember", err)
		}
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.LookupPrivateMember", err)
	}
	return wrappedKey, nil
}
