package types

// RunResult summarizes one pipeline run. Per-URL detail lives in the ledger.
type RunResult struct {
	// ActivityLogID is the parent run row. Zero when the run was refused.
	ActivityLogID int64         `json:"activity_log_id"`
	TargetID      string        `json:"target_id"`
	State         ActivityState `json:"state"`
	// Locked reports that another run held the lock and nothing was written.
	Locked   bool   `json:"locked"`
	Total    int    `json:"total"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	ErrorMsg string `json:"error_msg,omitempty"`
}
