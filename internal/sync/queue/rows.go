package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const itemColumns = `seq, item_id, operation, collection, record_id, payload,
	local_version, local_updated_at, base_version, enqueued_at,
	attempt_count, status, last_error`

func encodePayload(p map[string]interface{}) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodePayload(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// insertItem writes item into sync_queue. A zero Seq lets SQLite assign the
// next sequence number, which is written back to item.
func insertItem(ctx context.Context, ex execer, item *models.QueueItem) error {
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to encode payload", err)
	}

	var seq interface{}
	if item.Seq > 0 {
		seq = item.Seq
	}
	status := item.Status
	if status == "" {
		status = models.ItemStatusPending
	}

	res, err := ex.ExecContext(ctx, `INSERT INTO sync_queue (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, item.ItemID, string(item.Operation), item.Collection, item.RecordID, payload,
		item.LocalVersion, item.LocalUpdatedAt, item.BaseVersion, item.EnqueuedAt,
		item.AttemptCount, string(status), item.LastError,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, "failed to insert queue item", err)
	}
	if item.Seq == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueue, "failed to read sequence", err)
		}
		item.Seq = id
	}
	item.Status = status
	return nil
}

func scanItem(row scanner) (*models.QueueItem, error) {
	var (
		item       models.QueueItem
		op, status string
		payload    sql.NullString
	)
	err := row.Scan(&item.Seq, &item.ItemID, &op, &item.Collection, &item.RecordID, &payload,
		&item.LocalVersion, &item.LocalUpdatedAt, &item.BaseVersion, &item.EnqueuedAt,
		&item.AttemptCount, &status, &item.LastError)
	if err != nil {
		return nil, err
	}

	item.Operation = models.OperationType(op)
	item.Status = models.ItemStatus(status)
	if !item.Operation.Valid() {
		return nil, apperrors.New(apperrors.ErrStoreCorrupted,
			fmt.Sprintf("item %s has unknown operation %q", item.ItemID, op))
	}
	if item.Payload, err = decodePayload(payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted,
			fmt.Sprintf("item %s has an unreadable payload", item.ItemID), err)
	}
	return &item, nil
}
