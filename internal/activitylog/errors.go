package activitylog

import (
	"fmt"

	"github.com/jonathan/price-tracker/internal/types"
)

// ConsistencyError reports an update against an activity log id that does not
// exist. It indicates caller misuse and is never swallowed.
type ConsistencyError struct {
	ID      int64
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("activity log consistency error: id %d: %s", e.ID, e.Message)
}

// TransitionError reports a state change that is not an edge of the lifecycle.
type TransitionError struct {
	ID   int64
	From types.ActivityState
	To   types.ActivityState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("activity log %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}
