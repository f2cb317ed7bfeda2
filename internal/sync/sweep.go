package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
	"github.com/kimhsiao/meetsync/internal/sync/conflict"
	"github.com/kimhsiao/meetsync/internal/sync/retry"
	"github.com/kimhsiao/meetsync/internal/sync/state"
)

// Reasons a sweep did not run.
const (
	SkipNotConfigured = "not_configured"
	SkipInProgress    = "in_progress"
	SkipOffline       = "offline"
	SkipStopping      = "stopping"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`

	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Conflicts    int `json:"conflicts"`
	Discarded    int `json:"discarded"`
	Awaiting     int `json:"awaiting"`
	Deferred     int `json:"deferred"`
	Remaining    int `json:"remaining"`
	Pulled       int `json:"pulled"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

type recordKey struct {
	collection string
	recordID   string
}

// RunSweep drains the queue once. Items are processed sequentially in FIFO
// order; a failing item never blocks the items after it, except later items
// for the same record, which wait for it.
//
// A sweep that cannot run returns a Skipped result and no error. Only local
// storage failures are returned as errors.
func (e *Engine) RunSweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{StartTime: e.clock.Now()}

	if e.connector == nil {
		return skipped(result, SkipNotConfigured), nil
	}
	if !e.sweepMu.TryLock() {
		logging.Debug("Sweep already in progress, request dropped", nil)
		return skipped(result, SkipInProgress), nil
	}
	defer e.sweepMu.Unlock()

	if e.stopping.Load() {
		return skipped(result, SkipStopping), nil
	}
	if !e.connector.IsReachable(ctx) {
		e.scheduler.SetOnlineStatus(false)
		logging.Debug("Remote unreachable, sweep skipped", nil)
		return skipped(result, SkipOffline), nil
	}
	e.scheduler.SetOnlineStatus(true)

	e.inProgress.Store(true)
	defer e.inProgress.Store(false)

	// Queue writes must land even if the caller's context ends mid-sweep.
	storeCtx := context.WithoutCancel(ctx)

	items, err := e.queue.LoadAll(storeCtx)
	if err != nil {
		logging.ErrorWithCode("Failed to load sync queue", string(apperrors.CodeOf(err)), err, nil)
		return result, err
	}

	e.emitEvent(SyncEvent{Type: SyncEventSweepStarted})
	logging.Info("Sweep started", map[string]interface{}{"queue_length": len(items)})

	var watermark int64
	if len(items) > 0 {
		watermark = items[len(items)-1].Seq
	}

	blocked := make(map[recordKey]bool)
	kept := make([]*models.QueueItem, 0, len(items))
	for i, item := range items {
		if e.stopping.Load() || ctx.Err() != nil {
			kept = append(kept, items[i:]...)
			break
		}

		key := recordKey{item.Collection, item.RecordID}
		if blocked[key] {
			result.Deferred++
			kept = append(kept, item)
			continue
		}

		result.Processed++
		if e.processItem(ctx, storeCtx, item, result) {
			kept = append(kept, item)
			blocked[key] = true
		}
	}

	if len(items) > 0 {
		if err := e.queue.ReplaceAll(storeCtx, kept, watermark); err != nil {
			logging.ErrorWithCode("Failed to persist sync queue", string(apperrors.CodeOf(err)), err, nil)
			return result, err
		}
	}
	result.Remaining = len(kept)

	for _, collection := range e.pullCollections {
		if ctx.Err() != nil || e.stopping.Load() {
			break
		}
		n, err := e.pull(ctx, storeCtx, collection)
		if err != nil {
			logging.Warn("Pull after sweep failed",
				map[string]interface{}{
					"collection": collection,
					"error":      err.Error(),
				})
			continue
		}
		result.Pulled += n
	}

	result.EndTime = e.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.lastSweepAt = result.EndTime
	r := *result
	e.lastResult = &r
	e.mu.Unlock()

	logging.Info("Sweep completed",
		map[string]interface{}{
			"processed":     result.Processed,
			"succeeded":     result.Succeeded,
			"retried":       result.Retried,
			"dead_lettered": result.DeadLettered,
			"conflicts":     result.Conflicts,
			"deferred":      result.Deferred,
			"remaining":     result.Remaining,
			"duration_ms":   result.Duration.Milliseconds(),
		})
	e.emitEvent(SyncEvent{Type: SyncEventSweepCompleted, Result: &r})

	return result, nil
}

func skipped(result *SweepResult, reason string) *SweepResult {
	result.Skipped = true
	result.SkipReason = reason
	result.EndTime = result.StartTime
	return result
}

// processItem runs one item through detection, resolution and push. It
// reports whether the item stays queued.
func (e *Engine) processItem(ctx, storeCtx context.Context, item *models.QueueItem, result *SweepResult) bool {
	lc := retry.NewLifecycle(item, e.policy)

	if lc.State() == retry.StateAwaitingResolution {
		held, err := e.state.GetConflict(storeCtx, item.ItemID)
		if err != nil {
			logging.Error("Failed to read held conflict", err, itemContext(item))
			result.Awaiting++
			return true
		}
		if held == nil {
			// The report is gone; check the record again from scratch.
			item.Status = models.ItemStatusPending
			lc = retry.NewLifecycle(item, e.policy)
		} else if held.Resolution == nil {
			result.Awaiting++
			return true
		} else {
			return e.applyResolution(ctx, storeCtx, lc, held, result)
		}
	}

	if err := lc.Dispatch(storeCtx); err != nil {
		logging.Error("Queue item cannot be dispatched", err, itemContext(item))
		return true
	}
	return e.pushChecked(ctx, storeCtx, lc, result)
}

// applyResolution consumes a decision supplied through ResolveConflict.
func (e *Engine) applyResolution(ctx, storeCtx context.Context, lc *retry.Lifecycle, held *state.PendingConflict, result *SweepResult) bool {
	item := lc.Item()

	outcome, err := e.resolver.Apply(held.Report, *held.Resolution)
	if err != nil {
		logging.ErrorWithCode("Stored conflict resolution cannot be applied", string(apperrors.ErrConflictResolution), err, itemContext(item))
		result.Awaiting++
		return true
	}
	e.logConflict(storeCtx, outcome)
	if err := e.state.ReleaseConflict(storeCtx, item.ItemID); err != nil {
		logging.Warn("Failed to release resolved conflict", itemContext(item), errContext(err))
	}

	if outcome.Action == conflict.ActionDiscard {
		remote := held.Report.RemoteState
		return e.discard(storeCtx, lc, &remote, outcome, result)
	}

	if err := lc.Resume(storeCtx); err != nil {
		logging.Error("Queue item cannot be resumed", err, itemContext(item))
		return true
	}
	item.Payload = outcome.Payload
	item.BaseVersion = outcome.BaseVersion
	return e.pushChecked(ctx, storeCtx, lc, result)
}

// pushChecked runs conflict detection for updates and deletes, applies the
// resolver's outcome, and pushes. The lifecycle must be in flight.
func (e *Engine) pushChecked(ctx, storeCtx context.Context, lc *retry.Lifecycle, result *SweepResult) bool {
	item := lc.Item()

	shadow, err := e.state.GetShadow(storeCtx, item.Collection, item.RecordID)
	if err != nil {
		return e.fail(ctx, storeCtx, lc, err, result)
	}
	lastKnown := item.BaseVersion
	var snapshot map[string]interface{}
	if shadow != nil {
		if shadow.RemoteVersion > lastKnown {
			lastKnown = shadow.RemoteVersion
		}
		snapshot = shadow.Payload
	}

	if conflict.NeedsCheck(item.Operation) {
		remote, err := e.connector.FetchRemoteState(ctx, item.Collection, item.RecordID)
		if err != nil {
			return e.fail(ctx, storeCtx, lc, err, result)
		}

		report, conflicted := e.detector.Detect(item, lastKnown, remote)
		if !conflicted {
			if remote != nil {
				item.BaseVersion = remote.RemoteVersion
			}
		} else {
			result.Conflicts++
			e.emitEvent(SyncEvent{
				Type:       SyncEventConflictDetected,
				ItemID:     item.ItemID,
				RecordID:   item.RecordID,
				Collection: item.Collection,
				Conflict:   report,
			})

			outcome, err := e.resolver.Resolve(report, snapshot)
			if err != nil {
				logging.ErrorWithCode("Conflict resolution failed", string(apperrors.ErrConflictResolution), err, itemContext(item))
				return true
			}
			if outcome.Warning != "" {
				e.emitEvent(SyncEvent{
					Type:       SyncEventWarning,
					ItemID:     item.ItemID,
					RecordID:   item.RecordID,
					Collection: item.Collection,
					Message:    outcome.Warning,
				})
			}

			switch outcome.Action {
			case conflict.ActionAwait:
				return e.hold(ctx, storeCtx, lc, report, result)
			case conflict.ActionDiscard:
				e.logConflict(storeCtx, outcome)
				return e.discard(storeCtx, lc, remote, outcome, result)
			}

			e.logConflict(storeCtx, outcome)
			item.Payload = outcome.Payload
			item.BaseVersion = outcome.BaseVersion
		}
	} else if item.BaseVersion == 0 {
		item.BaseVersion = lastKnown
	}

	return e.push(ctx, storeCtx, lc, result)
}

// push sends the item. An accepted push is not cancelled by Stop or by the
// sweep context ending, since the remote may already have applied it.
func (e *Engine) push(ctx, storeCtx context.Context, lc *retry.Lifecycle, result *SweepResult) bool {
	item := lc.Item()

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pushTimeout)
	remote, err := e.connector.Push(pushCtx, item)
	cancel()
	if err != nil {
		return e.fail(ctx, storeCtx, lc, err, result)
	}

	if err := lc.Succeed(storeCtx); err != nil {
		logging.Error("Queue item transition failed", err, itemContext(item))
	}
	result.Succeeded++

	e.updateShadowAfterPush(storeCtx, item, remote)
	if err := e.queue.RemoveByID(storeCtx, item.ItemID); err != nil {
		logging.Warn("Failed to remove pushed item, it is removed at the end of the sweep",
			itemContext(item), errContext(err))
	}

	logging.Info("Queue item pushed", itemContext(item))
	e.emitEvent(SyncEvent{
		Type:         SyncEventItemSucceeded,
		ItemID:       item.ItemID,
		RecordID:     item.RecordID,
		Collection:   item.Collection,
		AttemptCount: item.AttemptCount,
	})
	return false
}

// fail applies the retry policy after a failed attempt.
func (e *Engine) fail(ctx, storeCtx context.Context, lc *retry.Lifecycle, cause error, result *SweepResult) bool {
	item := lc.Item()

	// Shutdown interrupted the call; the attempt does not count.
	if ctx.Err() != nil {
		logging.Debug("Sweep cancelled mid-item, item kept", itemContext(item))
		return true
	}

	verdict, err := lc.Fail(storeCtx, cause)
	if err != nil {
		logging.Error("Queue item transition failed", err, itemContext(item))
	}

	logging.Warn("Queue item push failed",
		itemContext(item), map[string]interface{}{
			"error":     cause.Error(),
			"permanent": apperrors.IsPermanent(cause),
			"verdict":   verdict.String(),
		})
	e.emitEvent(SyncEvent{
		Type:         SyncEventItemFailed,
		ItemID:       item.ItemID,
		RecordID:     item.RecordID,
		Collection:   item.Collection,
		AttemptCount: item.AttemptCount,
		Error:        cause.Error(),
	})

	if verdict == retry.Retry {
		result.Retried++
		return true
	}

	if _, err := e.queue.MoveToDeadLetter(storeCtx, item, e.nowMillis()); err != nil {
		logging.ErrorWithCode("Failed to dead-letter queue item", string(apperrors.CodeOf(err)), err, itemContext(item))
		return true
	}
	result.DeadLettered++

	logging.Warn("Queue item dead-lettered", itemContext(item), map[string]interface{}{"last_error": item.LastError})
	e.emitEvent(SyncEvent{
		Type:         SyncEventItemDeadLettered,
		ItemID:       item.ItemID,
		RecordID:     item.RecordID,
		Collection:   item.Collection,
		AttemptCount: item.AttemptCount,
		Error:        item.LastError,
	})
	return false
}

// hold pauses an item until ResolveConflict supplies a decision.
func (e *Engine) hold(ctx, storeCtx context.Context, lc *retry.Lifecycle, report *models.ConflictReport, result *SweepResult) bool {
	item := lc.Item()

	if err := e.state.HoldConflict(storeCtx, report); err != nil {
		logging.Error("Failed to hold conflict", err, itemContext(item))
		item.Status = models.ItemStatusPending
		return true
	}
	if err := lc.Hold(storeCtx); err != nil {
		logging.Error("Queue item transition failed", err, itemContext(item))
	}
	result.Awaiting++

	e.emitEvent(SyncEvent{
		Type:       SyncEventConflictAwaiting,
		ItemID:     item.ItemID,
		RecordID:   item.RecordID,
		Collection: item.Collection,
		Conflict:   report,
	})

	e.mu.RLock()
	handler := e.manualHandler
	e.mu.RUnlock()
	if handler == nil {
		logging.ErrorWithCode("Conflict awaiting resolution but no handler is registered",
			string(apperrors.ErrConflictResolution), nil, itemContext(item))
		return true
	}
	callManualHandler(handler, report)
	return true
}

func callManualHandler(handler func(*models.ConflictReport), report *models.ConflictReport) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Manual conflict handler panicked",
				map[string]interface{}{
					"item_id": report.ItemID,
					"panic":   r,
				})
		}
	}()
	handler(report)
}

// discard drops the item after the remote side won. remote may be nil when
// the record no longer exists remotely.
func (e *Engine) discard(storeCtx context.Context, lc *retry.Lifecycle, remote *models.RemoteRecordState, outcome *conflict.Outcome, result *SweepResult) bool {
	item := lc.Item()

	if err := lc.Discard(storeCtx); err != nil {
		logging.Error("Queue item transition failed", err, itemContext(item))
	}
	result.Discarded++

	if remote == nil || remote.Deleted {
		e.deleteShadow(storeCtx, item.Collection, item.RecordID)
	} else {
		e.putShadow(storeCtx, item.Collection, item.RecordID, remote, remote.Payload)
	}
	if err := e.queue.RemoveByID(storeCtx, item.ItemID); err != nil {
		logging.Warn("Failed to remove discarded item, it is removed at the end of the sweep",
			itemContext(item), errContext(err))
	}

	logging.Info("Queue item discarded, remote state kept",
		itemContext(item), map[string]interface{}{"warning": outcome.Warning})
	e.emitEvent(SyncEvent{
		Type:       SyncEventItemDiscarded,
		ItemID:     item.ItemID,
		RecordID:   item.RecordID,
		Collection: item.Collection,
		Resolution: outcome.Decision,
		Message:    outcome.Warning,
	})
	return false
}

func (e *Engine) logConflict(ctx context.Context, outcome *conflict.Outcome) {
	if outcome.Log == nil {
		return
	}
	if err := e.state.LogConflict(ctx, outcome.Log); err != nil {
		logging.Warn("Failed to record conflict log", errContext(err))
	}
}

func (e *Engine) updateShadowAfterPush(ctx context.Context, item *models.QueueItem, remote *models.RemoteRecordState) {
	if item.Operation == models.OperationDelete || (remote != nil && remote.Deleted) {
		e.deleteShadow(ctx, item.Collection, item.RecordID)
		return
	}
	if remote == nil {
		logging.Warn("Connector returned no remote state, shadow not updated", itemContext(item))
		return
	}
	payload := remote.Payload
	if payload == nil {
		payload = item.Payload
	}
	e.putShadow(ctx, item.Collection, item.RecordID, remote, payload)
}

func (e *Engine) putShadow(ctx context.Context, collection, recordID string, remote *models.RemoteRecordState, payload map[string]interface{}) {
	err := e.state.PutShadow(ctx, &state.Shadow{
		Collection:      collection,
		RecordID:        recordID,
		RemoteVersion:   remote.RemoteVersion,
		RemoteUpdatedAt: remote.RemoteUpdatedAt,
		Payload:         models.ClonePayload(payload),
		SyncedAt:        e.nowMillis(),
	})
	if err != nil {
		logging.Warn("Failed to update shadow",
			map[string]interface{}{"collection": collection, "record_id": recordID}, errContext(err))
	}
}

func (e *Engine) deleteShadow(ctx context.Context, collection, recordID string) {
	if err := e.state.DeleteShadow(ctx, collection, recordID); err != nil {
		logging.Warn("Failed to delete shadow",
			map[string]interface{}{"collection": collection, "record_id": recordID}, errContext(err))
	}
}

func itemContext(item *models.QueueItem) map[string]interface{} {
	return map[string]interface{}{
		"item_id":       item.ItemID,
		"record_id":     item.RecordID,
		"collection":    item.Collection,
		"operation":     string(item.Operation),
		"attempt_count": item.AttemptCount,
	}
}

func errContext(err error) map[string]interface{} {
	return map[string]interface{}{"error": err.Error()}
}
