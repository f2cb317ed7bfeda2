package sync

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
)

// Pull fetches remote changes of collection since its cursor. Records with
// no queued local mutation get their shadow refreshed and a record.pulled
// event so the application can refresh its local copy. Records with queued
// mutations are left to conflict detection. It returns the number of
// records refreshed.
func (e *Engine) Pull(ctx context.Context, collection string) (int, error) {
	if e.connector == nil {
		return 0, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote connector configured")
	}
	if collection == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "collection is required")
	}
	if !e.sweepMu.TryLock() {
		return 0, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.sweepMu.Unlock()

	return e.pull(ctx, context.WithoutCancel(ctx), collection)
}

// pull runs with sweepMu held.
func (e *Engine) pull(ctx, storeCtx context.Context, collection string) (int, error) {
	since, err := e.state.Cursor(storeCtx, collection)
	if err != nil {
		return 0, err
	}

	records, err := e.connector.PullChanges(ctx, collection, since)
	if err != nil {
		return 0, fmt.Errorf("pull %s: %w", collection, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	items, err := e.queue.LoadAll(storeCtx)
	if err != nil {
		return 0, err
	}
	pending := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Collection == collection {
			pending[item.RecordID] = true
		}
	}

	cursor := since
	refreshed := 0
	for _, rec := range records {
		if rec.RemoteUpdatedAt > cursor {
			cursor = rec.RemoteUpdatedAt
		}
		if pending[rec.RecordID] {
			continue
		}

		if rec.Collection == "" {
			rec.Collection = collection
		}
		if rec.Deleted {
			e.deleteShadow(storeCtx, collection, rec.RecordID)
		} else {
			e.putShadow(storeCtx, collection, rec.RecordID, rec, rec.Payload)
		}
		refreshed++

		e.emitEvent(SyncEvent{
			Type:       SyncEventRecordPulled,
			RecordID:   rec.RecordID,
			Collection: collection,
			Record:     rec,
		})
	}

	if cursor > since {
		if err := e.state.SetCursor(storeCtx, collection, cursor, e.nowMillis()); err != nil {
			return refreshed, err
		}
	}

	logging.Info("Remote changes pulled",
		map[string]interface{}{
			"collection": collection,
			"received":   len(records),
			"refreshed":  refreshed,
			"cursor":     cursor,
		})
	return refreshed, nil
}
