// Package sync provides the offline-first sync engine: a durable mutation
// queue drained against a remote backend in sequential sweeps, with conflict
// detection, bounded retries and a dead-letter store.
package sync

import (
	"context"

	"github.com/kimhsiao/meetsync/internal/models"
)

// Connector is the boundary to the remote backend and the only component
// performing network I/O.
type Connector interface {
	// Push applies one queued mutation remotely and returns the resulting
	// remote state. Errors are classified with errors.Transient or
	// errors.Permanent; unclassified errors are retried.
	Push(ctx context.Context, item *models.QueueItem) (*models.RemoteRecordState, error)

	// FetchRemoteState returns the current remote state of a record, or nil
	// when it does not exist remotely.
	FetchRemoteState(ctx context.Context, collection, recordID string) (*models.RemoteRecordState, error)

	// IsReachable is a cheap connectivity probe.
	IsReachable(ctx context.Context) bool

	// PullChanges returns records of collection changed after since (unix ms).
	PullChanges(ctx context.Context, collection string, since int64) ([]*models.RemoteRecordState, error)
}
