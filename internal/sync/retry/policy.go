// Package retry decides what happens to a queue item after a failed push and
// tracks each item's lifecycle through a sweep.
//
// There is no per-item timer. Items are retried on the next sweep, so the
// sweep cadence is the backoff.
package retry

import (
	apperrors "github.com/kimhsiao/meetsync/internal/errors"
)

// DefaultMaxAttempts is the attempt budget of an item before dead-lettering.
const DefaultMaxAttempts = 3

// Verdict is the decision taken after a failed attempt.
type Verdict int

const (
	// Retry keeps the item queued for the next sweep.
	Retry Verdict = iota
	// DeadLetter moves the item to the dead-letter store.
	DeadLetter
)

func (v Verdict) String() string {
	if v == DeadLetter {
		return "dead_letter"
	}
	return "retry"
}

// Policy holds the attempt budget.
type Policy struct {
	MaxAttempts int
}

// NewPolicy returns a Policy; values below one fall back to DefaultMaxAttempts.
func NewPolicy(maxAttempts int) Policy {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{MaxAttempts: maxAttempts}
}

// DefaultPolicy returns the policy with DefaultMaxAttempts.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxAttempts)
}

// Decide counts a failed attempt and returns the new attempt count with the
// verdict. Permanent errors dead-letter immediately regardless of budget.
func (p Policy) Decide(attemptCount int, err error) (int, Verdict) {
	attempts := attemptCount + 1
	if apperrors.IsPermanent(err) {
		return attempts, DeadLetter
	}
	if attempts >= p.max() {
		return attempts, DeadLetter
	}
	return attempts, Retry
}

func (p Policy) max() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}
