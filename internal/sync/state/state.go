// Package state persists what the engine knows about the remote side:
// the last synced state of each record, conflicts waiting for a manual
// decision, pull cursors, and an audit log of resolved conflicts.
package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// Shadow is the last remote state this client synchronized with for a record.
type Shadow struct {
	Collection      string                 `json:"collection"`
	RecordID        string                 `json:"record_id"`
	RemoteVersion   int64                  `json:"remote_version"`
	RemoteUpdatedAt int64                  `json:"remote_updated_at"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Deleted         bool                   `json:"deleted,omitempty"`
	SyncedAt        int64                  `json:"synced_at"`
}

// PendingConflict is a conflict held for an external decision.
type PendingConflict struct {
	Report     *models.ConflictReport `json:"report"`
	Resolution *models.Resolution     `json:"resolution,omitempty"`
	DetectedAt int64                  `json:"detected_at"`
	ResolvedAt int64                  `json:"resolved_at,omitempty"`
}

// Store provides access to the sync state tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func encodeJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// =====================================================
// Shadows
// =====================================================

// GetShadow returns the shadow for a record, or nil when the record has never
// been synchronized.
func (s *Store) GetShadow(ctx context.Context, collection, recordID string) (*Shadow, error) {
	var (
		sh      Shadow
		payload sql.NullString
		deleted int
	)
	err := s.db.QueryRowContext(ctx, `SELECT collection, record_id, remote_version, remote_updated_at,
		payload, deleted, synced_at FROM sync_shadow WHERE collection = ? AND record_id = ?`,
		collection, recordID,
	).Scan(&sh.Collection, &sh.RecordID, &sh.RemoteVersion, &sh.RemoteUpdatedAt, &payload, &deleted, &sh.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to read shadow", err)
	}

	sh.Deleted = deleted != 0
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &sh.Payload); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted,
				fmt.Sprintf("shadow %s/%s has an unreadable payload", collection, recordID), err)
		}
	}
	return &sh, nil
}

// PutShadow inserts or replaces the shadow for a record.
func (s *Store) PutShadow(ctx context.Context, sh *Shadow) error {
	var payload interface{}
	if sh.Payload != nil {
		var err error
		if payload, err = encodeJSON(sh.Payload); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode shadow payload", err)
		}
	}
	deleted := 0
	if sh.Deleted {
		deleted = 1
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_shadow
		(collection, record_id, remote_version, remote_updated_at, payload, deleted, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET
			remote_version = excluded.remote_version,
			remote_updated_at = excluded.remote_updated_at,
			payload = excluded.payload,
			deleted = excluded.deleted,
			synced_at = excluded.synced_at`,
		sh.Collection, sh.RecordID, sh.RemoteVersion, sh.RemoteUpdatedAt, payload, deleted, sh.SyncedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write shadow", err)
	}
	return nil
}

// DeleteShadow forgets a record.
func (s *Store) DeleteShadow(ctx context.Context, collection, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_shadow WHERE collection = ? AND record_id = ?`,
		collection, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete shadow", err)
	}
	return nil
}

// =====================================================
// Pending conflicts
// =====================================================

// HoldConflict records a conflict awaiting a manual decision. Holding the
// same item again keeps any resolution already supplied.
func (s *Store) HoldConflict(ctx context.Context, report *models.ConflictReport) error {
	data, err := encodeJSON(report)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode conflict report", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sync_pending_conflicts (item_id, report, detected_at)
		VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET report = excluded.report`,
		report.ItemID, data, report.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to hold conflict", err)
	}
	return nil
}

// Resolve attaches a decision to a held conflict.
func (s *Store) Resolve(ctx context.Context, itemID string, resolution models.Resolution, resolvedAt int64) error {
	data, err := encodeJSON(resolution)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode resolution", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_pending_conflicts SET resolution = ?, resolved_at = ?
		WHERE item_id = ?`, data, resolvedAt, itemID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to store resolution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no conflict pending for item %s", itemID))
	}
	return nil
}

// GetConflict returns the held conflict for an item, or nil.
func (s *Store) GetConflict(ctx context.Context, itemID string) (*PendingConflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT report, resolution, detected_at, resolved_at
		FROM sync_pending_conflicts WHERE item_id = ?`, itemID)
	pc, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return pc, err
}

// ListConflicts returns held conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]*PendingConflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT report, resolution, detected_at, resolved_at
		FROM sync_pending_conflicts ORDER BY detected_at, item_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list conflicts", err)
	}
	defer rows.Close()

	var out []*PendingConflict
	for rows.Next() {
		pc, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// ReleaseConflict drops a held conflict once its item left the queue.
func (s *Store) ReleaseConflict(ctx context.Context, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_pending_conflicts WHERE item_id = ?`, itemID); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to release conflict", err)
	}
	return nil
}

// ClearConflicts drops every held conflict.
func (s *Store) ClearConflicts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_pending_conflicts`); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to clear conflicts", err)
	}
	return nil
}

func scanConflict(row interface{ Scan(...interface{}) error }) (*PendingConflict, error) {
	var (
		report     string
		resolution sql.NullString
		resolvedAt sql.NullInt64
		pc         PendingConflict
	)
	if err := row.Scan(&report, &resolution, &pc.DetectedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(report), &pc.Report); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted, "unreadable conflict report", err)
	}
	if resolution.Valid {
		if err := json.Unmarshal([]byte(resolution.String), &pc.Resolution); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted, "unreadable conflict resolution", err)
		}
	}
	pc.ResolvedAt = resolvedAt.Int64
	return &pc, nil
}

// =====================================================
// Pull cursors
// =====================================================

// Cursor returns the remote timestamp up to which a collection was pulled.
func (s *Store) Cursor(ctx context.Context, collection string) (int64, error) {
	var since int64
	err := s.db.QueryRowContext(ctx, `SELECT since FROM sync_cursor WHERE collection = ?`, collection).Scan(&since)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to read cursor", err)
	}
	return since, nil
}

// SetCursor advances the pull cursor of a collection.
func (s *Store) SetCursor(ctx context.Context, collection string, since, now int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_cursor (collection, since, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET since = excluded.since, updated_at = excluded.updated_at`,
		collection, since, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write cursor", err)
	}
	return nil
}

// =====================================================
// Conflict log
// =====================================================

// LogConflict appends a resolved conflict to the audit log.
func (s *Store) LogConflict(ctx context.Context, entry *models.ConflictLog) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_conflict_log
		(item_id, record_id, collection, local_version, remote_version,
		 local_timestamp, remote_timestamp, strategy, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ItemID, entry.RecordID, entry.Collection, entry.LocalVersion, entry.RemoteVersion,
		entry.LocalTimestamp, entry.RemoteTimestamp, entry.Strategy, string(entry.Resolution), entry.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to log conflict", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ConflictLogs returns the most recent audit entries, newest first.
func (s *Store) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, item_id, record_id, collection, local_version,
		remote_version, local_timestamp, remote_timestamp, strategy, resolution, detected_at
		FROM sync_conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list conflict log", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			l          models.ConflictLog
			resolution string
		)
		if err := rows.Scan(&l.ID, &l.ItemID, &l.RecordID, &l.Collection, &l.LocalVersion,
			&l.RemoteVersion, &l.LocalTimestamp, &l.RemoteTimestamp, &l.Strategy, &resolution, &l.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreCorrupted, "failed to scan conflict log", err)
		}
		l.Resolution = models.Decision(resolution)
		out = append(out, &l)
	}
	return out, rows.Err()
}
