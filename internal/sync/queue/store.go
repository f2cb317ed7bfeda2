// Package queue provides the durable sync queue and the dead-letter store.
//
// Both live in the same SQLite database so an item can move between them in
// one transaction. Items are ordered by an autoincrement sequence number,
// which is the FIFO tie-break between operations on the same record.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// Store persists pending queue items.
type Store struct {
	db      *sql.DB
	maxSize int
	mu      sync.Mutex
}

// NewStore creates a Store on an already migrated database.
// maxSize bounds the number of queued items; zero means unbounded.
func NewStore(db *sql.DB, maxSize int) *Store {
	return &Store{
		db:      db,
		maxSize: maxSize,
	}
}

// Append persists item at the tail of the queue. On success item.Seq holds
// its position. Any storage failure is returned as a QUEUE_ERROR.
func (s *Store) Append(ctx context.Context, item *models.QueueItem) error {
	if item == nil || item.ItemID == "" {
		return apperrors.New(apperrors.ErrInvalid, "queue item requires an id")
	}
	if !item.Operation.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", item.Operation))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 {
		n, err := s.count(ctx, s.db)
		if err != nil {
			return err
		}
		if n >= s.maxSize {
			return apperrors.New(apperrors.ErrQueue, fmt.Sprintf("queue is full (max size: %d)", s.maxSize))
		}
	}

	item.Seq = 0
	return insertItem(ctx, s.db, item)
}

// LoadAll returns every queued item in FIFO order. A row that cannot be
// decoded fails the whole load with STORE_CORRUPTED.
func (s *Store) LoadAll(ctx context.Context) ([]*models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM sync_queue ORDER BY seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to load queue", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrStoreCorrupted) {
				return nil, err
			}
			return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted, "failed to scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to load queue", err)
	}
	return items, nil
}

// Get returns a single queued item.
func (s *Store) Get(ctx context.Context, itemID string) (*models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %s not found", itemID))
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Update rewrites the mutable fields of a queued item in place.
func (s *Store) Update(ctx context.Context, item *models.QueueItem) error {
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to encode payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sync_queue
		SET payload = ?, base_version = ?, attempt_count = ?, status = ?, last_error = ?
		WHERE item_id = ?`,
		payload, item.BaseVersion, item.AttemptCount, string(item.Status), item.LastError, item.ItemID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to update queue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %s not found", item.ItemID))
	}
	return nil
}

// RemoveByID deletes an item. Removing an absent item is not an error.
func (s *Store) RemoveByID(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE item_id = ?`, itemID); err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to remove queue item", err)
	}
	return nil
}

// ReplaceAll atomically swaps the queue prefix up to and including watermark
// (a sequence number from LoadAll) for items. Rows appended after the
// watermark are left untouched, so enqueues racing a sweep are never lost.
// Items keep their sequence numbers and therefore their FIFO position.
func (s *Store) ReplaceAll(ctx context.Context, items []*models.QueueItem, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq <= ?`, watermark); err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to clear queue prefix", err)
	}
	for _, item := range items {
		if item.Seq > watermark {
			return apperrors.New(apperrors.ErrInvalid,
				fmt.Sprintf("item %s is past the watermark", item.ItemID))
		}
		if err := insertItem(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to commit queue", err)
	}
	return nil
}

// Watermark returns the highest sequence number currently queued, or zero.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sync_queue`).Scan(&seq); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to read watermark", err)
	}
	return seq, nil
}

// Len returns the number of queued items.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.count(ctx, s.db)
}

// CountByStatus returns the number of queued items with the given status.
func (s *Store) CountByStatus(ctx context.Context, status models.ItemStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to count queue", err)
	}
	return n, nil
}

func (s *Store) count(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to count queue", err)
	}
	return n, nil
}

// Clear removes all queued items and returns how many were dropped.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to clear queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MoveToDeadLetter removes item from the queue and records it in the
// dead-letter store in a single transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, item *models.QueueItem, failedAt int64) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE item_id = ?`, item.ItemID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to remove queue item", err)
	}

	entry := &models.DeadLetterEntry{QueueItem: *item.Clone(), FailedAt: failedAt}
	if err := insertDeadLetter(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to commit dead-letter move", err)
	}
	return entry, nil
}
