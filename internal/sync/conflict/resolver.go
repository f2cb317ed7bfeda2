package conflict

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// DefaultStrategy is used when none is configured.
const DefaultStrategy = StrategyRemoteWins

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyLocalWins, StrategyRemoteWins, StrategyMerge, StrategyManual:
		return st, nil
	case "":
		return DefaultStrategy, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown conflict strategy %q", s))
}

// Action is what the orchestrator does with the queued item after resolution.
type Action int

const (
	// ActionPush proceeds with the push, possibly with a new payload.
	ActionPush Action = iota
	// ActionDiscard drops the queued item; the remote state stands.
	ActionDiscard
	// ActionAwait pauses the item until an external decision arrives.
	ActionAwait
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionDiscard:
		return "discard"
	case ActionAwait:
		return "await"
	}
	return "unknown"
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	Action   Action
	Decision models.Decision
	Strategy Strategy

	// Payload to push when Action is ActionPush.
	Payload map[string]interface{}
	// BaseVersion is the remote version the push overwrites.
	BaseVersion int64
	// Version is the version the merged record is expected to receive.
	Version int64

	// Warning is set when the configured strategy could not be applied
	// and a conservative fallback was used.
	Warning string

	Log *models.ConflictLog
}

// Resolver applies the configured strategy to conflict reports.
type Resolver struct {
	mu       sync.RWMutex
	strategy Strategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy replaces the process-wide strategy.
func (r *Resolver) SetStrategy(strategy Strategy) error {
	if _, err := ParseStrategy(string(strategy)); err != nil || strategy == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown conflict strategy %q", strategy))
	}
	r.mu.Lock()
	r.strategy = strategy
	r.mu.Unlock()
	return nil
}

// Resolve resolves a conflict using the configured strategy. snapshot is the
// last payload this client synced with, used as the merge base; nil means
// there is no comparable prior state.
func (r *Resolver) Resolve(report *models.ConflictReport, snapshot map[string]interface{}) (*Outcome, error) {
	if report == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict report is required")
	}
	strategy := r.Strategy()

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"item_id":          report.ItemID,
			"record_id":        report.RecordID,
			"local_timestamp":  report.LocalState.LocalUpdatedAt,
			"remote_timestamp": report.RemoteState.RemoteUpdatedAt,
			"strategy":         strategy,
		})

	var out *Outcome
	switch strategy {
	case StrategyLocalWins:
		out = localWins(report)
	case StrategyMerge:
		out = merge(report, snapshot)
	case StrategyManual:
		out = &Outcome{Action: ActionAwait}
	default:
		out = remoteWins(report)
	}
	out.Strategy = strategy

	if out.Action != ActionAwait {
		out.Log = newLog(report, strategy, out.Decision)
		logging.Info("Conflict resolved",
			map[string]interface{}{
				"item_id":    report.ItemID,
				"record_id":  report.RecordID,
				"resolution": out.Decision,
				"action":     out.Action.String(),
			})
	}
	return out, nil
}

// Apply turns an explicit decision from the manual callback or an operator
// into an outcome.
func (r *Resolver) Apply(report *models.ConflictReport, resolution models.Resolution) (*Outcome, error) {
	if report == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict report is required")
	}
	if err := ValidateResolution(report.Operation, resolution); err != nil {
		return nil, err
	}

	var out *Outcome
	switch resolution.Decision {
	case models.DecisionLocalWins:
		out = localWins(report)
	case models.DecisionRemoteWins:
		out = remoteWins(report)
	case models.DecisionMerged:
		out = &Outcome{
			Action:      ActionPush,
			Decision:    models.DecisionMerged,
			Payload:     models.ClonePayload(resolution.Payload),
			BaseVersion: report.RemoteState.RemoteVersion,
			Version:     report.RemoteState.RemoteVersion + 1,
		}
	}
	out.Strategy = StrategyManual
	out.Log = newLog(report, StrategyManual, out.Decision)
	return out, nil
}

// ValidateResolution checks that resolution can be applied to an operation.
func ValidateResolution(op models.OperationType, resolution models.Resolution) error {
	switch resolution.Decision {
	case models.DecisionLocalWins, models.DecisionRemoteWins:
		return nil
	case models.DecisionMerged:
		if op == models.OperationDelete {
			return apperrors.New(apperrors.ErrInvalid, "a delete cannot be resolved with a merged payload")
		}
		if resolution.Payload == nil {
			return apperrors.New(apperrors.ErrInvalid, "merged resolution requires a payload")
		}
		return nil
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution %q", resolution.Decision))
}

func localWins(report *models.ConflictReport) *Outcome {
	return &Outcome{
		Action:      ActionPush,
		Decision:    models.DecisionLocalWins,
		Payload:     models.ClonePayload(report.LocalState.Payload),
		BaseVersion: report.RemoteState.RemoteVersion,
	}
}

func remoteWins(report *models.ConflictReport) *Outcome {
	return &Outcome{
		Action:   ActionDiscard,
		Decision: models.DecisionRemoteWins,
	}
}

// merge overlays local edits on the remote payload. Without a base snapshot
// or a remote payload there is nothing comparable to diff against, so the
// remote state wins.
func merge(report *models.ConflictReport, snapshot map[string]interface{}) *Outcome {
	var reason string
	switch {
	case report.Operation == models.OperationDelete:
		reason = "delete operations cannot be merged"
	case snapshot == nil:
		reason = "no prior remote snapshot for record"
	case report.RemoteState.Payload == nil:
		reason = "remote payload unavailable"
	}
	if reason != "" {
		logging.Warn("Merge not possible, falling back to remote_wins",
			map[string]interface{}{
				"item_id":   report.ItemID,
				"record_id": report.RecordID,
				"reason":    reason,
			})
		out := remoteWins(report)
		out.Warning = reason
		return out
	}

	return &Outcome{
		Action:      ActionPush,
		Decision:    models.DecisionMerged,
		Payload:     MergePayload(snapshot, report.LocalState.Payload, report.RemoteState.Payload),
		BaseVersion: report.RemoteState.RemoteVersion,
		Version:     report.RemoteState.RemoteVersion + 1,
	}
}

// MergePayload starts from remote and overlays every top-level field whose
// local value differs from base. Fields present in base but removed locally
// are removed from the result.
func MergePayload(base, local, remote map[string]interface{}) map[string]interface{} {
	merged := models.ClonePayload(remote)
	if merged == nil {
		merged = make(map[string]interface{})
	}

	for k, v := range local {
		if bv, ok := base[k]; ok && reflect.DeepEqual(bv, v) {
			continue
		}
		merged[k] = models.ClonePayload(map[string]interface{}{k: v})[k]
	}
	for k := range base {
		if _, ok := local[k]; !ok {
			delete(merged, k)
		}
	}
	return merged
}

func newLog(report *models.ConflictReport, strategy Strategy, decision models.Decision) *models.ConflictLog {
	return &models.ConflictLog{
		ItemID:          report.ItemID,
		RecordID:        report.RecordID,
		Collection:      report.Collection,
		LocalVersion:    report.LocalState.LocalVersion,
		RemoteVersion:   report.RemoteState.RemoteVersion,
		LocalTimestamp:  report.LocalState.LocalUpdatedAt,
		RemoteTimestamp: report.RemoteState.RemoteUpdatedAt,
		Strategy:        string(strategy),
		Resolution:      decision,
		DetectedAt:      report.DetectedAt,
	}
}
