package sync

import (
	"fmt"
	"time"

	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventSweepStarted        SyncEventType = "sweep.started"
	SyncEventSweepCompleted      SyncEventType = "sweep.completed"
	SyncEventItemSucceeded       SyncEventType = "item.succeeded"
	SyncEventItemFailed          SyncEventType = "item.failed"
	SyncEventItemDeadLettered    SyncEventType = "item.dead_lettered"
	SyncEventItemDiscarded       SyncEventType = "item.discarded"
	SyncEventConflictDetected    SyncEventType = "conflict.detected"
	SyncEventConflictAwaiting    SyncEventType = "conflict.awaiting"
	SyncEventConnectivityChanged SyncEventType = "connectivity.changed"
	SyncEventWarning             SyncEventType = "warning"
	SyncEventRecordPulled        SyncEventType = "record.pulled"
)

// SyncEvent is a notification for status indicators. Only the fields that
// apply to Type are set.
type SyncEvent struct {
	Type         SyncEventType             `json:"type"`
	ItemID       string                    `json:"item_id,omitempty"`
	RecordID     string                    `json:"record_id,omitempty"`
	Collection   string                    `json:"collection,omitempty"`
	AttemptCount int                       `json:"attempt_count,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Message      string                    `json:"message,omitempty"`
	Online       bool                      `json:"online"`
	Conflict     *models.ConflictReport    `json:"conflict,omitempty"`
	Resolution   models.Decision           `json:"resolution,omitempty"`
	Record       *models.RemoteRecordState `json:"record,omitempty"`
	Result       *SweepResult              `json:"result,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. Handlers run on the sweep
// goroutine and should return quickly.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// AddEventHandler registers a handler. The engine works with none.
func (e *Engine) AddEventHandler(handler SyncEventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *Engine) emitEvent(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}

	e.mu.RLock()
	handlers := append([]SyncEventHandler(nil), e.handlers...)
	e.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, event)
	}
}

func deliver(h SyncEventHandler, event SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Sync event handler panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"event": string(event.Type)})
		}
	}()
	h.OnSyncEvent(event)
}
