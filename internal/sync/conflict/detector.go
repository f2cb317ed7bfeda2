// Package conflict detects divergence between local and remote record state
// and resolves it according to a process-wide strategy.
package conflict

import (
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
)

// Detector compares a queued mutation against the remote record state.
type Detector struct {
	now func() int64
}

// NewDetector creates a Detector. now supplies report timestamps in unix ms.
func NewDetector(now func() int64) *Detector {
	return &Detector{now: now}
}

// NeedsCheck reports whether op must pass conflict detection before a push.
func NeedsCheck(op models.OperationType) bool {
	return op == models.OperationUpdate || op == models.OperationDelete
}

// Detect decides whether remote has been written by someone else since the
// local copy was forked from lastKnownRemoteVersion. Version mismatch is the
// only signal; timestamps are carried in the report for resolution but never
// gate detection, since client clocks skew.
//
// A record that does not exist remotely is never a conflict.
func (d *Detector) Detect(item *models.QueueItem, lastKnownRemoteVersion int64, remote *models.RemoteRecordState) (*models.ConflictReport, bool) {
	if item == nil || remote == nil {
		return nil, false
	}
	if remote.RemoteVersion == lastKnownRemoteVersion {
		return nil, false
	}

	report := &models.ConflictReport{
		ItemID:     item.ItemID,
		RecordID:   item.RecordID,
		Collection: item.Collection,
		Operation:  item.Operation,
		LocalState: models.LocalState{
			LastKnownRemoteVersion: lastKnownRemoteVersion,
			LocalVersion:           item.LocalVersion,
			LocalUpdatedAt:         item.LocalUpdatedAt,
			Payload:                models.ClonePayload(item.Payload),
		},
		RemoteState: *remote,
		DetectedAt:  d.now(),
	}
	report.RemoteState.Payload = models.ClonePayload(remote.Payload)

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"item_id":           item.ItemID,
			"record_id":         item.RecordID,
			"collection":        item.Collection,
			"last_known_remote": lastKnownRemoteVersion,
			"remote_version":    remote.RemoteVersion,
			"local_timestamp":   item.LocalUpdatedAt,
			"remote_timestamp":  remote.RemoteUpdatedAt,
		})

	return report, true
}
