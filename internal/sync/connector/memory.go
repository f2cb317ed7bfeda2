package connector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// ErrUnreachable is returned by MemoryConnector calls made while it is
// switched offline.
var ErrUnreachable = errors.New("remote unreachable")

// PushRecord is one push accepted by a MemoryConnector.
type PushRecord struct {
	ItemID     string
	Operation  models.OperationType
	Collection string
	RecordID   string
	Payload    map[string]interface{}
	Version    int64
}

type recordKey struct {
	collection string
	recordID   string
}

// MemoryConnector is an in-process remote store. It versions records the
// way a real backend would and lets tests inject failures and latency.
type MemoryConnector struct {
	mu        sync.Mutex
	now       func() int64
	records   map[recordKey]*models.RemoteRecordState
	reachable bool
	pushes    []PushRecord
	attempts  int

	pushFailures  map[string][]error
	alwaysFail    map[string]error
	fetchFailures map[string][]error
	pushHook      func(ctx context.Context, item *models.QueueItem)
}

// NewMemoryConnector creates a reachable, empty remote. now supplies
// server-side timestamps in unix ms; nil uses wall time.
func NewMemoryConnector(now func() int64) *MemoryConnector {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &MemoryConnector{
		now:           now,
		records:       make(map[recordKey]*models.RemoteRecordState),
		reachable:     true,
		pushFailures:  make(map[string][]error),
		alwaysFail:    make(map[string]error),
		fetchFailures: make(map[string][]error),
	}
}

// SetReachable switches connectivity.
func (m *MemoryConnector) SetReachable(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = reachable
}

// FailNext makes the next pushes for recordID fail with errs, in order.
func (m *MemoryConnector) FailNext(recordID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushFailures[recordID] = append(m.pushFailures[recordID], errs...)
}

// FailAlways makes every push for recordID fail with err. A nil err clears it.
func (m *MemoryConnector) FailAlways(recordID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.alwaysFail, recordID)
		return
	}
	m.alwaysFail[recordID] = err
}

// FailFetch makes the next remote state reads for recordID fail with errs.
func (m *MemoryConnector) FailFetch(recordID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFailures[recordID] = append(m.fetchFailures[recordID], errs...)
}

// SetPushHook installs fn to run at the start of every push, outside the
// connector lock. Tests use it to slow pushes down or observe ordering.
func (m *MemoryConnector) SetPushHook(fn func(ctx context.Context, item *models.QueueItem)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushHook = fn
}

// Seed stores a record as if it had been written remotely.
func (m *MemoryConnector) Seed(state models.RemoteRecordState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := state
	s.Payload = models.ClonePayload(state.Payload)
	if s.RemoteUpdatedAt == 0 {
		s.RemoteUpdatedAt = m.now()
	}
	m.records[recordKey{s.Collection, s.RecordID}] = &s
}

// WriteRemote simulates another client editing a record: the version is
// bumped and the payload replaced.
func (m *MemoryConnector) WriteRemote(collection, recordID string, payload map[string]interface{}) *models.RemoteRecordState {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{collection, recordID}
	var version int64 = 1
	if cur, ok := m.records[key]; ok {
		version = cur.RemoteVersion + 1
	}
	state := &models.RemoteRecordState{
		RecordID:        recordID,
		Collection:      collection,
		RemoteVersion:   version,
		RemoteUpdatedAt: m.now(),
		Payload:         models.ClonePayload(payload),
	}
	m.records[key] = state
	out := *state
	return &out
}

// Record returns a copy of the stored record, or nil.
func (m *MemoryConnector) Record(collection, recordID string) *models.RemoteRecordState {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[recordKey{collection, recordID}]
	if !ok {
		return nil
	}
	out := *cur
	out.Payload = models.ClonePayload(cur.Payload)
	return &out
}

// Pushes returns accepted pushes in the order they were applied.
func (m *MemoryConnector) Pushes() []PushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PushRecord(nil), m.pushes...)
}

// PushAttempts returns how many pushes were attempted, failed ones included.
func (m *MemoryConnector) PushAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IsReachable reports the connectivity switch.
func (m *MemoryConnector) IsReachable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Push applies item to the store.
func (m *MemoryConnector) Push(ctx context.Context, item *models.QueueItem) (*models.RemoteRecordState, error) {
	m.mu.Lock()
	hook := m.pushHook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, item)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if !m.reachable {
		return nil, apperrors.Transient(ErrUnreachable)
	}
	if err := m.takeFailure(m.pushFailures, item.RecordID); err != nil {
		return nil, err
	}
	if err, ok := m.alwaysFail[item.RecordID]; ok {
		return nil, err
	}

	key := recordKey{item.Collection, item.RecordID}
	cur, exists := m.records[key]

	if item.Operation == models.OperationDelete {
		delete(m.records, key)
		var version int64
		if exists {
			version = cur.RemoteVersion + 1
		}
		m.pushes = append(m.pushes, PushRecord{
			ItemID: item.ItemID, Operation: item.Operation,
			Collection: item.Collection, RecordID: item.RecordID, Version: version,
		})
		return &models.RemoteRecordState{
			RecordID: item.RecordID, Collection: item.Collection,
			RemoteVersion: version, RemoteUpdatedAt: m.now(), Deleted: true,
		}, nil
	}

	var version int64 = 1
	if exists {
		version = cur.RemoteVersion + 1
	}
	state := &models.RemoteRecordState{
		RecordID:        item.RecordID,
		Collection:      item.Collection,
		RemoteVersion:   version,
		RemoteUpdatedAt: m.now(),
		Payload:         models.ClonePayload(item.Payload),
	}
	m.records[key] = state
	m.pushes = append(m.pushes, PushRecord{
		ItemID: item.ItemID, Operation: item.Operation,
		Collection: item.Collection, RecordID: item.RecordID,
		Payload: models.ClonePayload(item.Payload), Version: version,
	})

	out := *state
	out.Payload = models.ClonePayload(state.Payload)
	return &out, nil
}

// FetchRemoteState returns the stored record, or nil when absent.
func (m *MemoryConnector) FetchRemoteState(ctx context.Context, collection, recordID string) (*models.RemoteRecordState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reachable {
		return nil, apperrors.Transient(ErrUnreachable)
	}
	if err := m.takeFailure(m.fetchFailures, recordID); err != nil {
		return nil, err
	}

	cur, ok := m.records[recordKey{collection, recordID}]
	if !ok {
		return nil, nil
	}
	out := *cur
	out.Payload = models.ClonePayload(cur.Payload)
	return &out, nil
}

// PullChanges returns records updated after since, oldest first.
func (m *MemoryConnector) PullChanges(ctx context.Context, collection string, since int64) ([]*models.RemoteRecordState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reachable {
		return nil, apperrors.Transient(ErrUnreachable)
	}

	var out []*models.RemoteRecordState
	for key, rec := range m.records {
		if key.collection != collection || rec.RemoteUpdatedAt <= since {
			continue
		}
		c := *rec
		c.Payload = models.ClonePayload(rec.Payload)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemoteUpdatedAt == out[j].RemoteUpdatedAt {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].RemoteUpdatedAt < out[j].RemoteUpdatedAt
	})
	return out, nil
}

func (m *MemoryConnector) takeFailure(failures map[string][]error, recordID string) error {
	queue := failures[recordID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	if len(queue) == 1 {
		delete(failures, recordID)
	} else {
		failures[recordID] = queue[1:]
	}
	return err
}
