package types

import (
	"slices"
	"time"
)

// ActivityState is the lifecycle state of a tracked unit of work.
type ActivityState string

// ActivityState values
const (
	StatePending             ActivityState = "PENDING"
	StateInProgress          ActivityState = "IN_PROGRESS"
	StateCompleted           ActivityState = "COMPLETED"
	StateCompletedWithErrors ActivityState = "COMPLETED_WITH_ERRORS"
	StateFailed              ActivityState = "FAILED"
	StateCanceled            ActivityState = "CANCELED"
)

// TerminalStates lists every state with no outgoing transition.
var TerminalStates = []ActivityState{
	StateCompleted,
	StateCompletedWithErrors,
	StateFailed,
	StateCanceled,
}

// IsTerminal reports whether s has no outgoing transition.
func (s ActivityState) IsTerminal() bool {
	return slices.Contains(TerminalStates, s)
}

// Valid reports whether s is a known state.
func (s ActivityState) Valid() bool {
	return s == StatePending || s == StateInProgress || s.IsTerminal()
}

// ActivityLog is one row of the audit ledger.
type ActivityLog struct {
	ID           int64         `json:"id"`
	TargetID     string        `json:"target_id"`
	TargetTable  string        `json:"target_table"`
	ActivityType string        `json:"activity_type"`
	CurrentState ActivityState `json:"current_state"`
	CallerType   string        `json:"caller_type"`
	Meta         *Metadata     `json:"meta"`
	ErrorMsg     string        `json:"error_msg"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ActivityLogFilter selects activity logs. Zero-valued fields do not filter.
type ActivityLogFilter struct {
	ID             int64
	TargetID       string
	TargetTable    string
	ActivityTypes  []string
	States         []ActivityState
	CallerType     string
	IsError        bool
	UpdatedAtStart *time.Time
	UpdatedAtEnd   *time.Time
	// NewestFirst orders by updated_at then id, both descending. The default
	// order is ascending id.
	NewestFirst bool
	Limit       int
}

// Matches reports whether log satisfies the filter. Ordering and Limit are ignored.
func (f ActivityLogFilter) Matches(log *ActivityLog) bool {
	if f.ID != 0 && log.ID != f.ID {
		return false
	}
	if f.TargetID != "" && log.TargetID != f.TargetID {
		return false
	}
	if f.TargetTable != "" && log.TargetTable != f.TargetTable {
		return false
	}
	if len(f.ActivityTypes) > 0 && !containsString(f.ActivityTypes, log.ActivityType) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, log.CurrentState) {
		return false
	}
	if f.CallerType != "" && log.CallerType != f.CallerType {
		return false
	}
	if f.IsError && log.ErrorMsg == "" {
		return false
	}
	if f.UpdatedAtStart != nil && log.UpdatedAt.Before(*f.UpdatedAtStart) {
		return false
	}
	if f.UpdatedAtEnd != nil && log.UpdatedAt.After(*f.UpdatedAtEnd) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsState(list []ActivityState, v ActivityState) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
