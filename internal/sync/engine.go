package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
	"github.com/kimhsiao/meetsync/internal/sync/conflict"
	"github.com/kimhsiao/meetsync/internal/sync/queue"
	"github.com/kimhsiao/meetsync/internal/sync/retry"
	"github.com/kimhsiao/meetsync/internal/sync/scheduler"
	"github.com/kimhsiao/meetsync/internal/sync/state"
	"github.com/kimhsiao/meetsync/internal/uuid"
)

// DefaultPushTimeout bounds a single push.
const DefaultPushTimeout = 30 * time.Second

// Options configures an Engine.
type Options struct {
	// DB is an open, migrated database. Required.
	DB *sql.DB
	// Connector may be nil; the engine then queues but never sweeps.
	Connector Connector
	// Clock defaults to the wall clock.
	Clock clock.Clock

	Strategy        conflict.Strategy
	MaxAttempts     int
	MaxQueueSize    int
	PushTimeout     time.Duration
	PullCollections []string
	Scheduler       *scheduler.Config
}

// SyncStatus is a snapshot for status indicators.
type SyncStatus struct {
	QueueLength         int          `json:"queue_length"`
	InProgress          bool         `json:"in_progress"`
	DeadLetterCount     int          `json:"dead_letter_count"`
	AwaitingResolution  int          `json:"awaiting_resolution"`
	Online              bool         `json:"online"`
	ConnectorConfigured bool         `json:"connector_configured"`
	SchedulerRunning    bool         `json:"scheduler_running"`
	Strategy            string       `json:"strategy"`
	LastSweepAt         *time.Time   `json:"last_sweep_at,omitempty"`
	LastResult          *SweepResult `json:"last_result,omitempty"`
}

// Engine is the sync orchestrator. It owns the queue, dead-letter and state
// stores; the application only appends through Enqueue.
type Engine struct {
	queue       *queue.Store
	deadLetters *queue.DeadLetterStore
	state       *state.Store
	connector   Connector
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	policy      retry.Policy
	clock       clock.Clock
	scheduler   *scheduler.Scheduler

	pushTimeout     time.Duration
	pullCollections []string

	// sweepMu is held for the whole sweep. TryLock makes sweeps
	// non-reentrant; Stop and ClearQueue Lock it to wait one out.
	sweepMu    sync.Mutex
	inProgress atomic.Bool
	stopping   atomic.Bool

	mu            sync.RWMutex
	handlers      []SyncEventHandler
	manualHandler func(report *models.ConflictReport)
	lastSweepAt   time.Time
	lastResult    *SweepResult
}

// NewEngine creates an Engine on opts.DB.
func NewEngine(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine requires a database")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = conflict.DefaultStrategy
	}
	if _, err := conflict.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}

	e := &Engine{
		queue:           queue.NewStore(opts.DB, opts.MaxQueueSize),
		deadLetters:     queue.NewDeadLetterStore(opts.DB),
		state:           state.NewStore(opts.DB),
		connector:       opts.Connector,
		resolver:        conflict.NewResolver(strategy),
		policy:          retry.NewPolicy(opts.MaxAttempts),
		clock:           clk,
		pushTimeout:     pushTimeout,
		pullCollections: append([]string(nil), opts.PullCollections...),
	}
	e.detector = conflict.NewDetector(e.nowMillis)

	var prober scheduler.Prober
	if e.connector != nil {
		prober = e
	}
	e.scheduler = scheduler.NewScheduler(e, prober, clk, opts.Scheduler)
	e.scheduler.OnConnectivityChange(func(online bool) {
		e.emitEvent(SyncEvent{Type: SyncEventConnectivityChanged, Online: online})
	})

	return e, nil
}

func (e *Engine) nowMillis() int64 {
	return e.clock.Now().UnixMilli()
}

// =====================================================
// Lifecycle
// =====================================================

// Start starts background sweeps.
func (e *Engine) Start(ctx context.Context) {
	e.stopping.Store(false)
	e.scheduler.Start(ctx)
}

// Stop stops background sweeps. A sweep in progress finishes the item it is
// pushing, starts no further items, and persists the queue before Stop
// returns.
func (e *Engine) Stop() {
	e.stopping.Store(true)
	e.scheduler.Stop()

	e.sweepMu.Lock()
	e.sweepMu.Unlock()
	e.stopping.Store(false)
}

// Sweep runs one sweep for the scheduler.
func (e *Engine) Sweep(ctx context.Context) {
	if _, err := e.RunSweep(ctx); err != nil {
		logging.ErrorWithCode("Background sweep failed", string(apperrors.CodeOf(err)), err, nil)
	}
}

// Probe reports connector reachability for the scheduler.
func (e *Engine) Probe(ctx context.Context) bool {
	if e.connector == nil {
		return false
	}
	return e.connector.IsReachable(ctx)
}

// SetOnline records a connectivity change reported by the host, for
// example an OS network listener. Going online triggers a sweep.
func (e *Engine) SetOnline(online bool) {
	e.scheduler.SetOnlineStatus(online)
}

// ConnectorConfigured reports whether a remote connector is set.
func (e *Engine) ConnectorConfigured() bool {
	return e.connector != nil
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue durably queues a mutation of recordID in collection. The payload
// is snapshotted; later changes by the caller do not affect the queued item.
// A storage failure is returned and must be surfaced to the user.
func (e *Engine) Enqueue(ctx context.Context, op models.OperationType, collection, recordID string, payload map[string]interface{}) (*models.QueueItem, error) {
	return e.EnqueueRecord(ctx, op, collection, models.SyncRecord{
		ID:      recordID,
		Payload: payload,
	})
}

// EnqueueRecord is the record-aware form of Enqueue. A zero LocalUpdatedAt
// is stamped from the engine clock.
func (e *Engine) EnqueueRecord(ctx context.Context, op models.OperationType, collection string, record models.SyncRecord) (*models.QueueItem, error) {
	if !op.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", op))
	}
	if strings.TrimSpace(collection) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "collection is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}

	now := e.nowMillis()
	item := &models.QueueItem{
		ItemID:         uuid.New(),
		Operation:      op,
		Collection:     collection,
		RecordID:       record.ID,
		Payload:        models.ClonePayload(record.Payload),
		LocalVersion:   record.LocalVersion,
		LocalUpdatedAt: record.LocalUpdatedAt,
		EnqueuedAt:     now,
		Status:         models.ItemStatusPending,
	}
	if item.LocalUpdatedAt == 0 {
		item.LocalUpdatedAt = now
	}

	if err := e.queue.Append(ctx, item); err != nil {
		logging.ErrorWithCode("Failed to enqueue mutation", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{
				"collection": collection,
				"record_id":  record.ID,
				"operation":  string(op),
			})
		return nil, err
	}

	logging.Debug("Mutation enqueued",
		map[string]interface{}{
			"item_id":    item.ItemID,
			"record_id":  item.RecordID,
			"collection": collection,
			"operation":  string(op),
		})

	if e.connector != nil && e.scheduler.IsOnline() {
		e.scheduler.Trigger()
	}
	return item.Clone(), nil
}

// =====================================================
// Sweeps
// =====================================================

// ForceSync runs a sweep now. Unlike RunSweep, a sweep that could not run
// is reported as an error: SYNC_NOT_CONFIGURED, SYNC_IN_PROGRESS or
// SYNC_OFFLINE.
func (e *Engine) ForceSync(ctx context.Context) (*SweepResult, error) {
	result, err := e.RunSweep(ctx)
	if err != nil {
		return result, err
	}
	switch result.SkipReason {
	case SkipNotConfigured:
		return result, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote connector configured")
	case SkipInProgress:
		return result, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	case SkipOffline:
		return result, apperrors.New(apperrors.ErrSyncOffline, "remote is unreachable")
	case SkipStopping:
		return result, apperrors.New(apperrors.ErrSyncInProgress, "sync engine is stopping")
	}
	return result, nil
}

// =====================================================
// Status and configuration
// =====================================================

// Status returns a snapshot of queue and connectivity state.
func (e *Engine) Status(ctx context.Context) (*SyncStatus, error) {
	queueLen, err := e.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	awaiting, err := e.queue.CountByStatus(ctx, models.ItemStatusAwaitingResolution)
	if err != nil {
		return nil, err
	}
	dead, err := e.deadLetters.Count(ctx)
	if err != nil {
		return nil, err
	}

	sched := e.scheduler.GetStatus()
	status := &SyncStatus{
		QueueLength:         queueLen,
		InProgress:          e.inProgress.Load(),
		DeadLetterCount:     dead,
		AwaitingResolution:  awaiting,
		Online:              e.connector != nil && sched.IsOnline,
		ConnectorConfigured: e.connector != nil,
		SchedulerRunning:    sched.IsRunning,
		Strategy:            string(e.resolver.Strategy()),
	}

	e.mu.RLock()
	if !e.lastSweepAt.IsZero() {
		t := e.lastSweepAt
		status.LastSweepAt = &t
	}
	if e.lastResult != nil {
		r := *e.lastResult
		status.LastResult = &r
	}
	e.mu.RUnlock()

	return status, nil
}

// SetConflictStrategy replaces the process-wide conflict strategy.
func (e *Engine) SetConflictStrategy(strategy conflict.Strategy) error {
	if err := e.resolver.SetStrategy(strategy); err != nil {
		return err
	}
	logging.Info("Conflict strategy changed", map[string]interface{}{"strategy": string(strategy)})
	return nil
}

// ConflictStrategy returns the active conflict strategy.
func (e *Engine) ConflictStrategy() conflict.Strategy {
	return e.resolver.Strategy()
}

// SetManualHandler registers the callback that receives conflicts under the
// manual strategy. The callback answers through ResolveConflict, possibly
// later and from another goroutine.
func (e *Engine) SetManualHandler(fn func(report *models.ConflictReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualHandler = fn
}

// =====================================================
// Queue administration
// =====================================================

// ListQueue returns the queued items in FIFO order.
func (e *Engine) ListQueue(ctx context.Context) ([]*models.QueueItem, error) {
	return e.queue.LoadAll(ctx)
}

// ClearQueue drops every queued item and pending conflict. It waits for a
// sweep in progress. Destructive; intended for tests and administration.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	n, err := e.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.state.ClearConflicts(ctx); err != nil {
		return n, err
	}

	logging.Warn("Sync queue cleared", map[string]interface{}{"items": n})
	return n, nil
}

// DeadLetters returns the dead-lettered items, oldest failure first.
func (e *Engine) DeadLetters(ctx context.Context) ([]*models.DeadLetterEntry, error) {
	return e.deadLetters.List(ctx)
}

// RetryDeadLettered moves every dead-lettered item back to the queue tail
// with a fresh attempt budget and returns how many were moved.
func (e *Engine) RetryDeadLettered(ctx context.Context) (int, error) {
	n, err := e.deadLetters.RequeueAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Dead-lettered items requeued", map[string]interface{}{"count": n})
		e.scheduler.Trigger()
	}
	return n, nil
}

// RetryDeadLetter requeues a single dead-lettered item.
func (e *Engine) RetryDeadLetter(ctx context.Context, itemID string) (*models.QueueItem, error) {
	item, err := e.deadLetters.Requeue(ctx, itemID)
	if err != nil {
		return nil, err
	}
	logging.Info("Dead-lettered item requeued",
		map[string]interface{}{
			"item_id":   item.ItemID,
			"record_id": item.RecordID,
		})
	e.scheduler.Trigger()
	return item, nil
}

// =====================================================
// Conflicts
// =====================================================

// PendingConflicts returns the conflicts still waiting for a decision.
func (e *Engine) PendingConflicts(ctx context.Context) ([]*models.ConflictReport, error) {
	held, err := e.state.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]*models.ConflictReport, 0, len(held))
	for _, pc := range held {
		if pc.Resolution == nil {
			reports = append(reports, pc.Report)
		}
	}
	return reports, nil
}

// ResolveConflict records a decision for a held conflict. The next sweep
// applies it.
func (e *Engine) ResolveConflict(ctx context.Context, itemID string, resolution models.Resolution) error {
	pc, err := e.state.GetConflict(ctx, itemID)
	if err != nil {
		return err
	}
	if pc == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no pending conflict for item %s", itemID))
	}
	if err := conflict.ValidateResolution(pc.Report.Operation, resolution); err != nil {
		return err
	}
	if err := e.state.Resolve(ctx, itemID, resolution, e.nowMillis()); err != nil {
		return err
	}

	logging.Info("Conflict resolution recorded",
		map[string]interface{}{
			"item_id":    itemID,
			"record_id":  pc.Report.RecordID,
			"resolution": string(resolution.Decision),
		})
	e.scheduler.Trigger()
	return nil
}

// ConflictLogs returns up to limit resolved conflicts, newest first.
func (e *Engine) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return e.state.ConflictLogs(ctx, limit)
}
