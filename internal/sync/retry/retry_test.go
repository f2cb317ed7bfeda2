// Package retry tests for the attempt policy and item lifecycle.
package retry

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

func createTestItem() *models.QueueItem {
	return &models.QueueItem{
		ItemID:    "i1",
		RecordID:  "r2",
		Operation: models.OperationUpdate,
		Status:    models.ItemStatusPending,
	}
}

// =====================================================
// Policy Tests
// =====================================================

// TestNewPolicy verifies defaults.
func TestNewPolicy(t *testing.T) {
	if p := NewPolicy(0); p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("NewPolicy(0).MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
	if p := NewPolicy(5); p.MaxAttempts != 5 {
		t.Errorf("NewPolicy(5).MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p := DefaultPolicy(); p.MaxAttempts != 3 {
		t.Errorf("DefaultPolicy().MaxAttempts = %d, want 3", p.MaxAttempts)
	}
}

// TestPolicy_Decide verifies retry then dead-letter at the budget.
func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy()
	transient := apperrors.Transient(errors.New("503"))

	tests := []struct {
		name         string
		attempts     int
		err          error
		wantAttempts int
		want         Verdict
	}{
		{"first transient failure", 0, transient, 1, Retry},
		{"second transient failure", 1, transient, 2, Retry},
		{"third transient failure", 2, transient, 3, DeadLetter},
		{"unclassified failure", 0, errors.New("reset"), 1, Retry},
		{"permanent on first attempt", 0, apperrors.Permanent(errors.New("400")), 1, DeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts, verdict := p.Decide(tt.attempts, tt.err)
			if attempts != tt.wantAttempts || verdict != tt.want {
				t.Errorf("Decide(%d) = (%d, %v), want (%d, %v)", tt.attempts, attempts, verdict, tt.wantAttempts, tt.want)
			}
		})
	}
}

// TestPolicy_zeroValue verifies an unset policy still enforces the default budget.
func TestPolicy_zeroValue(t *testing.T) {
	var p Policy
	if _, v := p.Decide(2, errors.New("x")); v != DeadLetter {
		t.Errorf("zero Policy Decide(2) = %v, want dead_letter", v)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestLifecycle_success verifies pending -> in_flight -> succeeded.
func TestLifecycle_success(t *testing.T) {
	ctx := context.Background()
	l := NewLifecycle(createTestItem(), DefaultPolicy())

	if l.State() != StatePending {
		t.Fatalf("initial State() = %q, want pending", l.State())
	}
	if err := l.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if err := l.Succeed(ctx); err != nil {
		t.Fatalf("Succeed() failed: %v", err)
	}
	if l.State() != StateSucceeded || !l.Done() {
		t.Errorf("State() = %q, Done() = %v", l.State(), l.Done())
	}
}

// TestLifecycle_exhaustion verifies three failures across sweeps dead-letter.
func TestLifecycle_exhaustion(t *testing.T) {
	ctx := context.Background()
	item := createTestItem()
	cause := apperrors.Transient(errors.New("timeout"))

	for sweep := 1; sweep <= 3; sweep++ {
		l := NewLifecycle(item, DefaultPolicy())
		if err := l.Dispatch(ctx); err != nil {
			t.Fatalf("sweep %d Dispatch() failed: %v", sweep, err)
		}
		verdict, err := l.Fail(ctx, cause)
		if err != nil {
			t.Fatalf("sweep %d Fail() failed: %v", sweep, err)
		}
		if sweep < 3 && (verdict != Retry || l.State() != StatePending) {
			t.Errorf("sweep %d = %v/%s, want retry/pending", sweep, verdict, l.State())
		}
		if sweep == 3 && (verdict != DeadLetter || l.State() != StateDeadLettered) {
			t.Errorf("sweep %d = %v/%s, want dead_letter/dead_lettered", sweep, verdict, l.State())
		}
	}

	if item.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", item.AttemptCount)
	}
	if item.LastError == "" {
		t.Error("LastError should be populated")
	}
}

// TestLifecycle_permanent verifies the one-attempt fast path.
func TestLifecycle_permanent(t *testing.T) {
	ctx := context.Background()
	item := createTestItem()
	l := NewLifecycle(item, DefaultPolicy())

	l.Dispatch(ctx)
	verdict, _ := l.Fail(ctx, apperrors.Permanent(errors.New("422 invalid payload")))

	if verdict != DeadLetter || item.AttemptCount != 1 {
		t.Errorf("Fail() = %v with %d attempts, want dead_letter with 1", verdict, item.AttemptCount)
	}
}

// TestLifecycle_hold verifies held items persist their status and resume.
func TestLifecycle_hold(t *testing.T) {
	ctx := context.Background()
	item := createTestItem()
	l := NewLifecycle(item, DefaultPolicy())

	l.Dispatch(ctx)
	if err := l.Hold(ctx); err != nil {
		t.Fatalf("Hold() failed: %v", err)
	}
	if item.Status != models.ItemStatusAwaitingResolution {
		t.Errorf("Status = %q, want awaiting_resolution", item.Status)
	}
	if item.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", item.AttemptCount)
	}

	// Next sweep starts from the persisted status.
	next := NewLifecycle(item, DefaultPolicy())
	if next.State() != StateAwaitingResolution {
		t.Fatalf("State() = %q, want awaiting_resolution", next.State())
	}
	if err := next.Dispatch(ctx); err == nil {
		t.Error("Dispatch() of a held item should fail")
	}
	if err := next.Resume(ctx); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if _, err := next.Fail(ctx, errors.New("503")); err != nil {
		t.Fatalf("Fail() after resume failed: %v", err)
	}
	if item.Status != models.ItemStatusPending {
		t.Errorf("Status after failed resume = %q, want pending", item.Status)
	}
}

// TestLifecycle_discard verifies remote-wins discards leave the queue.
func TestLifecycle_discard(t *testing.T) {
	ctx := context.Background()
	l := NewLifecycle(createTestItem(), DefaultPolicy())

	l.Dispatch(ctx)
	if err := l.Discard(ctx); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}
	if !l.Done() {
		t.Error("discarded item should be done")
	}
	if err := l.Succeed(ctx); err == nil {
		t.Error("Succeed() after discard should fail")
	}
}

// TestVerdict_String verifies names used in logs.
func TestVerdict_String(t *testing.T) {
	if Retry.String() != "retry" || DeadLetter.String() != "dead_letter" {
		t.Errorf("String() = %q, %q", Retry.String(), DeadLetter.String())
	}
}
