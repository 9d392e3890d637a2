package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

func (s *Store) CreateQueueItem(ctx context.Context, item model.QueueItem) error {
	q := fmt.Sprintf(`INSERT INTO queue_items (id, folder_id, kind, priority, state, last_error, bytes_done, bytes_total, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10))
	_, err := s.db.ExecContext(ctx, q, item.ID, item.FolderID, item.Kind, int(item.Priority),
		int(item.State), item.LastError, item.BytesDone, item.BytesTotal, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.CreateQueueItem", err)
	}
	return nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (model.QueueItem, error) {
	q := fmt.Sprintf(`SELECT id, folder_id, kind, priority, state, last_error, bytes_done, bytes_total, created_at, updated_at
		FROM queue_items WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var item model.QueueItem
	var priority, state int
	if err := row.Scan(&item.ID, &item.FolderID, &item.Kind, &priority, &state,
		&item.LastError, &item.BytesDone, &item.BytesTotal, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.QueueItem{}, usenetsyncerr.New(usenetsyncerr.NotFound, "store.GetQueueItem", err)
		}
		return model.QueueItem{}, usenetsyncerr.New(usenetsyncerr.Internal, "store.GetQueueItem", err)
	}
	item.Priority = model.Priority(priority)
	item.State = model.QueueState(state)
	return item, nil
}

func (s *Store) SetQueueItemState(ctx context.Context, id string, state model.QueueState, lastError string) error {
	q := fmt.Sprintf(`UPDATE queue_items SET state = %s, last_error = %s, updated_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err := s.db.ExecContext(ctx, q, int(state), lastError, nowUTC(), id)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.SetQueueItemState", err)
	}
	return nil
}

// ListActiveQueueItems returns pending/active items ordered by priority
// (high first) then age, the ordering the worker pool drains from.
func (s *Store) ListActiveQueueItems(ctx context.Context, kind string) ([]model.QueueItem, error) {
	q := fmt.Sprintf(`SELECT id, folder_id, kind, priority, state, last_error, bytes_done, bytes_total, created_at, updated_at
		FROM queue_items WHERE kind = %s AND state IN (0, 1) ORDER BY priority DESC, created_at ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, kind)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListActiveQueueItems", err)
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var priority, state int
		if err := rows.Scan(&item.ID, &item.FolderID, &item.Kind, &priority, &state,
			&item.LastError, &item.BytesDone, &item.BytesTotal, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListActiveQueueItems", err)
		}
		item.Priority = model.Priority(priority)
		item.State = model.QueueState(state)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSegmentProgress(ctx context.Context, p model.SegmentProgress) error {
	// SQLite and Postgres both support "INSERT ... ON CONFLICT", the
	// portable upsert shape we rely on so one query works against both
	// backends without driver-specific branches.
	q := fmt.Sprintf(`INSERT INTO segment_progress (queue_item_id, segment_id, done, bytes_done, attempts, last_error)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (queue_item_id, segment_id) DO UPDATE SET
			done = excluded.done, bytes_done = excluded.bytes_done,
			attempts = excluded.attempts, last_error = excluded.last_error`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	_, err := s.db.ExecContext(ctx, q, p.QueueItemID, p.SegmentID, p.Done, p.BytesDone, p.Attempts, p.LastError)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.UpsertSegmentProgress", err)
	}
	return nil
}

// SetQueueItemTotal records the byte total an item is working toward,
// known once its files have been listed.
func (s *Store) SetQueueItemTotal(ctx context.Context, id string, bytesTotal int64) error {
	q := fmt.Sprintf(`UPDATE queue_items SET bytes_total = %s, updated_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err := s.db.ExecContext(ctx, q, bytesTotal, nowUTC(), id)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Internal, "store.SetQueueItemTotal", err)
	}
	return nil
}

// QueueItemBytesDone computes an item's transferred byte count as the
// sum of its segment progress rows, the aggregate the item's bytes_done
// column mirrors.
func (s *Store) QueueItemBytesDone(ctx context.Context, id string) (int64, error) {
	q := fmt.Sprintf(`SELECT COALESCE(SUM(bytes_done), 0) FROM segment_progress WHERE queue_item_id = %s`, s.placeholder(1))
	var done int64
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&done); err != nil {
		return 0, usenetsyncerr.New(usenetsyncerr.Internal, "store.QueueItemBytesDone", err)
	}
	uq := fmt.Sprintf(`UPDATE queue_items SET bytes_done = %s WHERE id = %s`, s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, uq, done, id); err != nil {
		return 0, usenetsyncerr.New(usenetsyncerr.Internal, "store.QueueItemBytesDone", err)
	}
	return done, nil
}

// ListDoneSegments returns the set of segment IDs queueItemID has
// already completed, the set resume consults to skip work a prior run
// finished.
func (s *Store) ListDoneSegments(ctx context.Context, queueItemID string) (map[string]bool, error) {
	done := make(map[string]bool)
	q := fmt.Sprintf(`SELECT segment_id FROM segment_progress WHERE queue_item_id = %s AND done = %s`,
		s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, queueItemID, true)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListDoneSegments", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListDoneSegments", err)
		}
		done[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "store.ListDoneSegments", err)
	}
	return done, nil
}
