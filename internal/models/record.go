// Package models provides data model definitions for the sync engine.
package models

import "time"

// SyncRecord is the domain payload being synchronized. The engine treats the
// payload as opaque.
type SyncRecord struct {
	ID             string                 `json:"id"`
	Payload        map[string]interface{} `json:"payload"`
	LocalVersion   int64                  `json:"local_version"`
	LocalUpdatedAt int64                  `json:"local_updated_at"` // unix ms
}

// RemoteRecordState is the connector's view of a record on the backend.
// Payload is optional; connectors that return it enable the merge strategy.
type RemoteRecordState struct {
	RecordID        string                 `db:"record_id" json:"record_id"`
	Collection      string                 `db:"collection" json:"collection,omitempty"`
	RemoteVersion   int64                  `db:"remote_version" json:"version"`
	RemoteUpdatedAt int64                  `db:"remote_updated_at" json:"updated_at"` // unix ms
	Payload         map[string]interface{} `db:"payload" json:"payload,omitempty"`
	Deleted         bool                   `db:"deleted" json:"deleted,omitempty"`
}

// UpdatedAtTime returns RemoteUpdatedAt as time.Time.
func (s *RemoteRecordState) UpdatedAtTime() time.Time {
	return time.UnixMilli(s.RemoteUpdatedAt)
}

// ClonePayload deep-copies a JSON-shaped payload so queued snapshots never
// alias application state.
func ClonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return ClonePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
