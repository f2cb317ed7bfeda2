package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

const deadLetterColumns = `seq, item_id, operation, collection, record_id, payload,
	local_version, local_updated_at, base_version, enqueued_at,
	attempt_count, last_error, failed_at`

// DeadLetterStore holds items that exhausted their attempts or failed
// permanently, until an operator replays or discards them.
type DeadLetterStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewDeadLetterStore creates a DeadLetterStore on an already migrated database.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func insertDeadLetter(ctx context.Context, ex execer, entry *models.DeadLetterEntry) error {
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to encode payload", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT OR REPLACE INTO sync_dead_letter (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.ItemID, string(entry.Operation), entry.Collection, entry.RecordID, payload,
		entry.LocalVersion, entry.LocalUpdatedAt, entry.BaseVersion, entry.EnqueuedAt,
		entry.AttemptCount, entry.LastError, entry.FailedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to insert dead-letter entry", err)
	}
	return nil
}

func scanDeadLetter(row scanner) (*models.DeadLetterEntry, error) {
	var (
		entry   models.DeadLetterEntry
		op      string
		payload sql.NullString
	)
	err := row.Scan(&entry.Seq, &entry.ItemID, &op, &entry.Collection, &entry.RecordID, &payload,
		&entry.LocalVersion, &entry.LocalUpdatedAt, &entry.BaseVersion, &entry.EnqueuedAt,
		&entry.AttemptCount, &entry.LastError, &entry.FailedAt)
	if err != nil {
		return nil, err
	}
	entry.Operation = models.OperationType(op)
	entry.Status = models.ItemStatusPending
	if entry.Payload, err = decodePayload(payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted,
			fmt.Sprintf("dead-letter entry %s has an unreadable payload", entry.ItemID), err)
	}
	return &entry, nil
}

// List returns dead-lettered entries, oldest failure first.
func (d *DeadLetterStore) List(ctx context.Context) ([]*models.DeadLetterEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM sync_dead_letter ORDER BY failed_at, seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to list dead letters", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrStoreCorrupted) {
				return nil, err
			}
			return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted, "failed to scan dead-letter entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to list dead letters", err)
	}
	return entries, nil
}

// Get returns a single dead-letter entry.
func (d *DeadLetterStore) Get(ctx context.Context, itemID string) (*models.DeadLetterEntry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM sync_dead_letter WHERE item_id = ?`, itemID)
	entry, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead-letter entry %s not found", itemID))
	}
	return entry, err
}

// Count returns the number of dead-lettered entries.
func (d *DeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_dead_letter`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to count dead letters", err)
	}
	return n, nil
}

// Remove discards an entry without replaying it.
func (d *DeadLetterStore) Remove(ctx context.Context, itemID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `DELETE FROM sync_dead_letter WHERE item_id = ?`, itemID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to remove dead-letter entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead-letter entry %s not found", itemID))
	}
	return nil
}

// Requeue moves one entry back to the tail of the queue with its attempt
// count reset to zero.
func (d *DeadLetterStore) Requeue(ctx context.Context, itemID string) (*models.QueueItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM sync_dead_letter WHERE item_id = ?`, itemID)
	entry, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead-letter entry %s not found", itemID))
	}
	if err != nil {
		return nil, err
	}

	item, err := requeueTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to commit requeue", err)
	}
	return item, nil
}

// RequeueAll moves every entry back to the queue, preserving their relative
// failure order, and returns how many were moved.
func (d *DeadLetterStore) RequeueAll(ctx context.Context) (int, error) {
	entries, err := d.List(ctx)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := requeueTx(ctx, tx, entry); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "failed to commit requeue", err)
	}
	return len(entries), nil
}

func requeueTx(ctx context.Context, tx *sql.Tx, entry *models.DeadLetterEntry) (*models.QueueItem, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM sync_dead_letter WHERE item_id = ?`, entry.ItemID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "failed to remove dead-letter entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead-letter entry %s not found", entry.ItemID))
	}

	item := entry.QueueItem.Clone()
	item.Seq = 0
	item.AttemptCount = 0
	item.Status = models.ItemStatusPending
	item.LastError = ""
	if err := insertItem(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}
