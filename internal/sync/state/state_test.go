// Package state tests for shadow, conflict and cursor persistence.
package state

import (
	"context"
	"testing"

	"github.com/kimhsiao/meetsync/internal/db"
	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// createTestStore returns a Store on a fresh migrated database.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database.DB)
}

func createTestReport(itemID string) *models.ConflictReport {
	return &models.ConflictReport{
		ItemID:     itemID,
		RecordID:   "r1",
		Collection: "meetings",
		Operation:  models.OperationUpdate,
		LocalState: models.LocalState{
			LastKnownRemoteVersion: 5,
			LocalVersion:           3,
			Payload:                map[string]interface{}{"name": "local"},
		},
		RemoteState: models.RemoteRecordState{RecordID: "r1", RemoteVersion: 6},
		DetectedAt:  1000,
	}
}

// =====================================================
// Shadow Tests
// =====================================================

// TestShadow_roundTrip verifies put, get, overwrite and delete.
func TestShadow_roundTrip(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	got, err := store.GetShadow(ctx, "meetings", "r1")
	if err != nil {
		t.Fatalf("GetShadow() failed: %v", err)
	}
	if got != nil {
		t.Fatalf("GetShadow() before put = %+v, want nil", got)
	}

	sh := &Shadow{
		Collection:      "meetings",
		RecordID:        "r1",
		RemoteVersion:   5,
		RemoteUpdatedAt: 1700000000000,
		Payload:         map[string]interface{}{"name": "Acme", "seats": float64(4)},
		SyncedAt:        1700000000001,
	}
	if err := store.PutShadow(ctx, sh); err != nil {
		t.Fatalf("PutShadow() failed: %v", err)
	}

	got, _ = store.GetShadow(ctx, "meetings", "r1")
	if got.RemoteVersion != 5 || got.Payload["name"] != "Acme" || got.Payload["seats"] != float64(4) {
		t.Errorf("GetShadow() = %+v", got)
	}

	sh.RemoteVersion = 6
	sh.Payload = nil
	sh.Deleted = true
	store.PutShadow(ctx, sh)

	got, _ = store.GetShadow(ctx, "meetings", "r1")
	if got.RemoteVersion != 6 || got.Payload != nil || !got.Deleted {
		t.Errorf("GetShadow() after overwrite = %+v", got)
	}

	if err := store.DeleteShadow(ctx, "meetings", "r1"); err != nil {
		t.Fatalf("DeleteShadow() failed: %v", err)
	}
	if got, _ := store.GetShadow(ctx, "meetings", "r1"); got != nil {
		t.Errorf("GetShadow() after delete = %+v, want nil", got)
	}
}

// TestShadow_scopedByCollection verifies the same id in two collections.
func TestShadow_scopedByCollection(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	store.PutShadow(ctx, &Shadow{Collection: "meetings", RecordID: "r1", RemoteVersion: 1})
	store.PutShadow(ctx, &Shadow{Collection: "contacts", RecordID: "r1", RemoteVersion: 9})

	got, _ := store.GetShadow(ctx, "meetings", "r1")
	if got.RemoteVersion != 1 {
		t.Errorf("meetings/r1 version = %d, want 1", got.RemoteVersion)
	}
}

// =====================================================
// Pending Conflict Tests
// =====================================================

// TestConflict_holdResolveRelease verifies the manual decision lifecycle.
func TestConflict_holdResolveRelease(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	if err := store.HoldConflict(ctx, createTestReport("i1")); err != nil {
		t.Fatalf("HoldConflict() failed: %v", err)
	}

	pc, err := store.GetConflict(ctx, "i1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if pc.Report.RemoteState.RemoteVersion != 6 || pc.Resolution != nil {
		t.Errorf("GetConflict() = %+v", pc)
	}

	resolution := models.Resolution{
		Decision: models.DecisionMerged,
		Payload:  map[string]interface{}{"name": "merged"},
	}
	if err := store.Resolve(ctx, "i1", resolution, 2000); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	// Re-holding keeps the supplied resolution.
	store.HoldConflict(ctx, createTestReport("i1"))

	pc, _ = store.GetConflict(ctx, "i1")
	if pc.Resolution == nil || pc.Resolution.Decision != models.DecisionMerged {
		t.Fatalf("Resolution = %+v, want merged", pc.Resolution)
	}
	if pc.Resolution.Payload["name"] != "merged" || pc.ResolvedAt != 2000 {
		t.Errorf("Resolution = %+v, ResolvedAt = %d", pc.Resolution, pc.ResolvedAt)
	}

	if err := store.ReleaseConflict(ctx, "i1"); err != nil {
		t.Fatalf("ReleaseConflict() failed: %v", err)
	}
	if pc, _ := store.GetConflict(ctx, "i1"); pc != nil {
		t.Errorf("GetConflict() after release = %+v, want nil", pc)
	}
}

// TestConflict_Resolve_missing verifies resolving an unknown item.
func TestConflict_Resolve_missing(t *testing.T) {
	store := createTestStore(t)

	err := store.Resolve(context.Background(), "nope", models.Resolution{Decision: models.DecisionLocalWins}, 1)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Resolve() error = %v, want NOT_FOUND", err)
	}
}

// TestConflict_List verifies listing and clearing.
func TestConflict_List(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	second := createTestReport("i2")
	second.DetectedAt = 2000
	store.HoldConflict(ctx, second)
	store.HoldConflict(ctx, createTestReport("i1"))

	list, err := store.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(list) != 2 || list[0].Report.ItemID != "i1" {
		t.Fatalf("ListConflicts() = %d entries, first %v", len(list), list[0].Report.ItemID)
	}

	store.ClearConflicts(ctx)
	if list, _ := store.ListConflicts(ctx); len(list) != 0 {
		t.Errorf("ListConflicts() after clear = %d, want 0", len(list))
	}
}

// =====================================================
// Cursor and Log Tests
// =====================================================

// TestCursor verifies the pull cursor defaults to zero and advances.
func TestCursor(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	if since, _ := store.Cursor(ctx, "meetings"); since != 0 {
		t.Errorf("Cursor() = %d, want 0", since)
	}
	store.SetCursor(ctx, "meetings", 500, 1)
	store.SetCursor(ctx, "meetings", 900, 2)
	if since, _ := store.Cursor(ctx, "meetings"); since != 900 {
		t.Errorf("Cursor() = %d, want 900", since)
	}
}

// TestConflictLog verifies audit entries come back newest first.
func TestConflictLog(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	for i, decision := range []models.Decision{models.DecisionRemoteWins, models.DecisionLocalWins} {
		entry := &models.ConflictLog{
			ItemID:        "i1",
			RecordID:      "r1",
			Collection:    "meetings",
			LocalVersion:  2,
			RemoteVersion: 6,
			Strategy:      "remote_wins",
			Resolution:    decision,
			DetectedAt:    int64(1000 + i),
		}
		if err := store.LogConflict(ctx, entry); err != nil {
			t.Fatalf("LogConflict() failed: %v", err)
		}
		if entry.ID == 0 {
			t.Error("LogConflict() should set ID")
		}
	}

	logs, err := store.ConflictLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ConflictLogs() failed: %v", err)
	}
	if len(logs) != 2 || logs[0].Resolution != models.DecisionLocalWins {
		t.Errorf("ConflictLogs() = %+v", logs)
	}
}
