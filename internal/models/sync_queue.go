package models

import "time"

// OperationType is the kind of mutation a queue item applies remotely.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Valid reports whether o is a known operation.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ItemStatus is the persisted status of a queue item.
type ItemStatus string

const (
	ItemStatusPending            ItemStatus = "pending"
	ItemStatusAwaitingResolution ItemStatus = "awaiting_resolution"
)

// QueueItem represents a pending mutation awaiting remote application.
type QueueItem struct {
	ItemID         string                 `db:"item_id" json:"item_id"`
	Seq            int64                  `db:"seq" json:"-"`
	Operation      OperationType          `db:"operation" json:"operation"`
	Collection     string                 `db:"collection" json:"collection"`
	RecordID       string                 `db:"record_id" json:"record_id"`
	Payload        map[string]interface{} `db:"payload" json:"payload"`
	LocalVersion   int64                  `db:"local_version" json:"local_version"`
	LocalUpdatedAt int64                  `db:"local_updated_at" json:"local_updated_at"` // unix ms
	BaseVersion    int64                  `db:"base_version" json:"base_version"`
	EnqueuedAt     int64                  `db:"enqueued_at" json:"enqueued_at"` // unix ms
	AttemptCount   int                    `db:"attempt_count" json:"attempt_count"`
	Status         ItemStatus             `db:"status" json:"status"`
	LastError      string                 `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// Clone returns a copy that shares no payload maps with i.
func (i *QueueItem) Clone() *QueueItem {
	c := *i
	c.Payload = ClonePayload(i.Payload)
	return &c
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (i *QueueItem) EnqueuedAtTime() time.Time {
	return time.UnixMilli(i.EnqueuedAt)
}

// DeadLetterEntry is a queue item that exhausted its attempts or failed
// permanently, kept for inspection and replay.
type DeadLetterEntry struct {
	QueueItem
	FailedAt int64 `db:"failed_at" json:"failed_at"` // unix ms
}

// TableName returns the table name for DeadLetterEntry.
func (DeadLetterEntry) TableName() string {
	return "sync_dead_letter"
}

// FailedAtTime returns FailedAt as time.Time.
func (e *DeadLetterEntry) FailedAtTime() time.Time {
	return time.UnixMilli(e.FailedAt)
}
