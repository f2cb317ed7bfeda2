package retry

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
)

// Item lifecycle states.
const (
	StatePending            = "pending"
	StateInFlight           = "in_flight"
	StateSucceeded          = "succeeded"
	StateDeadLettered       = "dead_lettered"
	StateAwaitingResolution = "awaiting_resolution"
	StateDiscarded          = "discarded"
)

// Item lifecycle events.
const (
	EventDispatch = "dispatch"
	EventSucceed  = "succeed"
	EventFail     = "fail"
	EventExhaust  = "exhaust"
	EventHold     = "hold"
	EventDiscard  = "discard"
	EventResume   = "resume"
)

// Lifecycle drives one queue item through
// pending -> in_flight -> (succeeded | pending | dead_lettered),
// with side exits for conflicts that are held or discarded.
type Lifecycle struct {
	item   *models.QueueItem
	policy Policy
	fsm    *fsm.FSM
}

// NewLifecycle starts a lifecycle from the item's persisted status.
func NewLifecycle(item *models.QueueItem, policy Policy) *Lifecycle {
	initial := StatePending
	if item.Status == models.ItemStatusAwaitingResolution {
		initial = StateAwaitingResolution
	}

	l := &Lifecycle{item: item, policy: policy}
	l.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventDispatch, Src: []string{StatePending}, Dst: StateInFlight},
			{Name: EventSucceed, Src: []string{StateInFlight}, Dst: StateSucceeded},
			{Name: EventFail, Src: []string{StateInFlight}, Dst: StatePending},
			{Name: EventExhaust, Src: []string{StateInFlight}, Dst: StateDeadLettered},
			{Name: EventHold, Src: []string{StateInFlight}, Dst: StateAwaitingResolution},
			{Name: EventDiscard, Src: []string{StateInFlight, StateAwaitingResolution}, Dst: StateDiscarded},
			{Name: EventResume, Src: []string{StateAwaitingResolution}, Dst: StateInFlight},
		},
		fsm.Callbacks{
			"enter_" + StatePending: func(_ context.Context, _ *fsm.Event) {
				l.item.Status = models.ItemStatusPending
			},
			"enter_" + StateAwaitingResolution: func(_ context.Context, _ *fsm.Event) {
				l.item.Status = models.ItemStatusAwaitingResolution
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logging.Debug("Queue item transition",
					map[string]interface{}{
						"item_id":       l.item.ItemID,
						"record_id":     l.item.RecordID,
						"event":         e.Event,
						"from":          e.Src,
						"to":            e.Dst,
						"attempt_count": l.item.AttemptCount,
					})
			},
		},
	)
	return l
}

// Item returns the tracked item.
func (l *Lifecycle) Item() *models.QueueItem {
	return l.item
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() string {
	return l.fsm.Current()
}

// Dispatch marks the item as being pushed.
func (l *Lifecycle) Dispatch(ctx context.Context) error {
	return l.fsm.Event(ctx, EventDispatch)
}

// Resume takes a held item back in flight once a decision is available.
func (l *Lifecycle) Resume(ctx context.Context) error {
	return l.fsm.Event(ctx, EventResume)
}

// Succeed marks the push as accepted.
func (l *Lifecycle) Succeed(ctx context.Context) error {
	return l.fsm.Event(ctx, EventSucceed)
}

// Hold pauses the item until a manual resolution arrives.
func (l *Lifecycle) Hold(ctx context.Context) error {
	return l.fsm.Event(ctx, EventHold)
}

// Discard drops the item after the remote side won a conflict.
func (l *Lifecycle) Discard(ctx context.Context) error {
	return l.fsm.Event(ctx, EventDiscard)
}

// Fail records a failed attempt, applies the retry policy and moves the item
// back to pending or to dead_lettered.
func (l *Lifecycle) Fail(ctx context.Context, cause error) (Verdict, error) {
	attempts, verdict := l.policy.Decide(l.item.AttemptCount, cause)
	l.item.AttemptCount = attempts
	if cause != nil {
		l.item.LastError = cause.Error()
	}

	event := EventFail
	if verdict == DeadLetter {
		event = EventExhaust
	}
	if err := l.fsm.Event(ctx, event); err != nil {
		return verdict, fmt.Errorf("item %s: %w", l.item.ItemID, err)
	}
	return verdict, nil
}

// Done reports whether the item has left the queue.
func (l *Lifecycle) Done() bool {
	switch l.State() {
	case StateSucceeded, StateDeadLettered, StateDiscarded:
		return true
	}
	return false
}
