// Package activitylog implements the activity ledger: a durable record of
// every tracked unit of work with forward-only state transitions.
package activitylog

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/price-tracker/internal/types"
)

// ErrorSeparator joins a newly appended error message to an existing one.
const ErrorSeparator = "; "

// Store persists activity logs. Insert assigns ID and timestamps. Update
// returns a *ConsistencyError when the row does not exist. Get returns nil, nil
// for an unknown id.
type Store interface {
	InsertActivityLog(ctx context.Context, log *types.ActivityLog) error
	UpdateActivityLog(ctx context.Context, log *types.ActivityLog) error
	GetActivityLog(ctx context.Context, id int64) (*types.ActivityLog, error)
	ListActivityLogs(ctx context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error)
}

// Ledger owns lifecycle rules on top of a Store.
type Ledger struct {
	store    Store
	observer Observer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithObserver sets the observer notified on every mutation.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// New creates a Ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput holds the fields of a new activity log.
type CreateInput struct {
	TargetID     string
	TargetTable  string
	ActivityType string
	CallerType   string
	Meta         *types.Metadata
}

// Create inserts a new row in PENDING.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*types.ActivityLog, error) {
	targetTable := in.TargetTable
	if targetTable == "" {
		targetTable = "None"
	}
	log := &types.ActivityLog{
		TargetID:     in.TargetID,
		TargetTable:  targetTable,
		ActivityType: in.ActivityType,
		CurrentState: types.StatePending,
		CallerType:   in.CallerType,
		Meta:         in.Meta.Clone(),
	}
	if err := l.store.InsertActivityLog(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create activity log: %w", err)
	}
	l.emit(Event{ID: log.ID, ActivityType: log.ActivityType, TargetID: log.TargetID, To: log.CurrentState})
	return log, nil
}

// MarkInProgress moves a PENDING row to IN_PROGRESS.
func (l *Ledger) MarkInProgress(ctx context.Context, id int64) (*types.ActivityLog, error) {
	return l.transition(ctx, id, types.StateInProgress, "", nil)
}

// MarkTerminal moves a row to a terminal state, appending errMsg and merging patch.
func (l *Ledger) MarkTerminal(ctx context.Context, id int64, state types.ActivityState, errMsg string, patch *types.Metadata) (*types.ActivityLog, error) {
	if !state.IsTerminal() {
		return nil, fmt.Errorf("state %s is not terminal", state)
	}
	return l.transition(ctx, id, state, errMsg, patch)
}

// Completed marks the row COMPLETED.
func (l *Ledger) Completed(ctx context.Context, id int64, patch *types.Metadata) (*types.ActivityLog, error) {
	return l.MarkTerminal(ctx, id, types.StateCompleted, "", patch)
}

// CompletedWithErrors marks the row COMPLETED_WITH_ERRORS.
func (l *Ledger) CompletedWithErrors(ctx context.Context, id int64, errMsg string, patch *types.Metadata) (*types.ActivityLog, error) {
	return l.MarkTerminal(ctx, id, types.StateCompletedWithErrors, errMsg, patch)
}

// Failed marks the row FAILED.
func (l *Ledger) Failed(ctx context.Context, id int64, errMsg string, patch *types.Metadata) (*types.ActivityLog, error) {
	return l.MarkTerminal(ctx, id, types.StateFailed, errMsg, patch)
}

// Canceled marks the row CANCELED.
func (l *Ledger) Canceled(ctx context.Context, id int64, errMsg string, patch *types.Metadata) (*types.ActivityLog, error) {
	return l.MarkTerminal(ctx, id, types.StateCanceled, errMsg, patch)
}

func (l *Ledger) transition(ctx context.Context, id int64, next types.ActivityState, errMsg string, patch *types.Metadata) (*types.ActivityLog, error) {
	current, err := l.store.GetActivityLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity log %d: %w", id, err)
	}
	if current == nil {
		return nil, &ConsistencyError{ID: id, Message: "not found in activity log"}
	}
	if !CanTransition(current.CurrentState, next) {
		return nil, &TransitionError{ID: id, From: current.CurrentState, To: next}
	}

	from := current.CurrentState
	current.CurrentState = next
	current.Meta = current.Meta.Merge(patch)
	current.ErrorMsg = AppendError(current.ErrorMsg, errMsg)

	if err := l.store.UpdateActivityLog(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to update activity log %d: %w", id, err)
	}
	l.emit(Event{
		ID:           current.ID,
		ActivityType: current.ActivityType,
		TargetID:     current.TargetID,
		From:         from,
		To:           next,
		ErrorMsg:     errMsg,
	})
	return current, nil
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// A unit that never started may go straight from PENDING to FAILED or CANCELED.
func CanTransition(from, to types.ActivityState) bool {
	switch from {
	case types.StatePending:
		return to == types.StateInProgress || to == types.StateFailed || to == types.StateCanceled
	case types.StateInProgress:
		return to.IsTerminal()
	default:
		return false
	}
}

// AppendError appends msg to existing using ErrorSeparator.
func AppendError(existing, msg string) string {
	if msg == "" {
		return existing
	}
	if existing == "" {
		return msg
	}
	return existing + ErrorSeparator + msg
}

// Latest returns the matching row with the greatest UpdatedAt, ties broken by
// the greater ID. It returns nil when nothing matches.
func (l *Ledger) Latest(ctx context.Context, activityTypes []string, states []types.ActivityState) (*types.ActivityLog, error) {
	logs, err := l.store.ListActivityLogs(ctx, types.ActivityLogFilter{
		ActivityTypes: activityTypes,
		States:        states,
		NewestFirst:   true,
		Limit:         1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list activity logs: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

// IsLocked reports whether any row of the given activity types is IN_PROGRESS.
// The check is advisory: nothing prevents another caller from starting a run
// between this check and its own Create.
func (l *Ledger) IsLocked(ctx context.Context, activityTypes []string) (bool, error) {
	logs, err := l.store.ListActivityLogs(ctx, types.ActivityLogFilter{
		ActivityTypes: activityTypes,
		States:        []types.ActivityState{types.StateInProgress},
		Limit:         1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check activity lock: %w", err)
	}
	return len(logs) > 0, nil
}

// List returns rows matching filter.
func (l *Ledger) List(ctx context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error) {
	logs, err := l.store.ListActivityLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity logs: %w", err)
	}
	return logs, nil
}

// Get returns one row or nil.
func (l *Ledger) Get(ctx context.Context, id int64) (*types.ActivityLog, error) {
	return l.store.GetActivityLog(ctx, id)
}

// Outcome aggregates per-unit results into a run state.
func Outcome(total, failed int) types.ActivityState {
	switch {
	case total == 0:
		return types.StateCanceled
	case failed == 0:
		return types.StateCompleted
	case failed >= total:
		return types.StateFailed
	default:
		return types.StateCompletedWithErrors
	}
}

// Watermark returns the instant right after log was last updated, in UTC.
// Postgres timestamps have microsecond precision.
func Watermark(log *types.ActivityLog) time.Time {
	return log.UpdatedAt.Add(time.Microsecond).UTC()
}

func (l *Ledger) emit(e Event) {
	if l.observer != nil {
		l.observer(e)
	}
}
