package models

import "time"

// LocalState is the local side of a conflict.
type LocalState struct {
	LastKnownRemoteVersion int64                  `json:"last_known_remote_version"`
	LocalVersion           int64                  `json:"local_version"`
	LocalUpdatedAt         int64                  `json:"local_updated_at"`
	Payload                map[string]interface{} `json:"payload,omitempty"`
}

// ConflictReport is produced when local and remote states have diverged.
type ConflictReport struct {
	ItemID      string            `json:"item_id"`
	RecordID    string            `json:"record_id"`
	Collection  string            `json:"collection"`
	Operation   OperationType     `json:"operation"`
	LocalState  LocalState        `json:"local_state"`
	RemoteState RemoteRecordState `json:"remote_state"`
	DetectedAt  int64             `json:"detected_at"` // unix ms
}

// Decision is the outcome chosen for a conflict.
type Decision string

const (
	DecisionLocalWins  Decision = "local_wins"
	DecisionRemoteWins Decision = "remote_wins"
	DecisionMerged     Decision = "merged"
)

// Resolution is an explicit answer to a conflict, supplied by the manual
// resolution callback or an operator.
type Resolution struct {
	Decision Decision               `json:"decision"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// ConflictLog records resolved conflicts for user awareness.
type ConflictLog struct {
	ID              int64    `db:"id" json:"id"`
	ItemID          string   `db:"item_id" json:"item_id"`
	RecordID        string   `db:"record_id" json:"record_id"`
	Collection      string   `db:"collection" json:"collection"`
	LocalVersion    int64    `db:"local_version" json:"local_version"`
	RemoteVersion   int64    `db:"remote_version" json:"remote_version"`
	LocalTimestamp  int64    `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64    `db:"remote_timestamp" json:"remote_timestamp"`
	Strategy        string   `db:"strategy" json:"strategy"`
	Resolution      Decision `db:"resolution" json:"resolution"`
	DetectedAt      int64    `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "sync_conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
