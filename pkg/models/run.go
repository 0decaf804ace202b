package models

import "time"

// Sentinel exit codes for results the engine produces itself.
const (
	// ExitCodePanic marks a handle that raised instead of returning.
	ExitCodePanic = -2
	// ExitCodeWorkspace marks a worker whose workspace could not be acquired.
	ExitCodeWorkspace = -3
	// ExitCodeTimeout marks a worker terminated by its timeout.
	ExitCodeTimeout = 124
	// ExitCodeCanceled marks a worker stopped by run-level cancellation.
	ExitCodeCanceled = 130
)

// ExecutionResult is the terminal outcome of one worker handle.
type ExecutionResult struct {
	WorkerID  string        `json:"worker_id"`
	SubTaskID string        `json:"sub_task_id"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration"`
	Status    Status        `json:"status"`
	ResultRef string        `json:"result_ref,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the worker completed with an artifact.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusCompleted && r.ResultRef != ""
}

// Band is the run-level outcome classification.
type Band string

const (
	// BandFullSuccess means every sub-task completed.
	BandFullSuccess Band = "full_success"
	// BandPartialSuccess means the success rate met the threshold; the
	// remainder is flagged for follow-up.
	BandPartialSuccess Band = "partial_success"
	// BandMajorityFailure means the run is reported failed.
	BandMajorityFailure Band = "majority_failure"
)

// Failed reports whether the band means the whole run failed.
func (b Band) Failed() bool {
	return b == BandMajorityFailure
}

// FollowUp is a structured record emitted for each failed sub-task.
type FollowUp struct {
	SubTaskID  string    `json:"sub_task_id"`
	WorkerID   string    `json:"worker_id"`
	RunID      string    `json:"run_id"`
	Title      string    `json:"title,omitempty"`
	ErrorType  ErrorType `json:"error_type"`
	Message    string    `json:"message"`
	OutputRef  string    `json:"output_ref,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrchestrationRun is the finalized summary of one run.
type OrchestrationRun struct {
	ID           string            `json:"id"`
	MasterTaskID string            `json:"master_task_id"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	Results      []ExecutionResult `json:"results"`
	Total        int               `json:"total"`
	Completed    int               `json:"completed"`
	Failed       int               `json:"failed"`
	SuccessRate  float64           `json:"success_rate"`
	Speedup      float64           `json:"speedup"`
	Band         Band              `json:"band"`
	FollowUps    []FollowUp        `json:"follow_ups,omitempty"`
	Diagnostics  string            `json:"diagnostics,omitempty"`
	ForcedFails  int               `json:"forced_failures,omitempty"`
	TimedOut     bool              `json:"timed_out,omitempty"`
	Canceled     bool              `json:"canceled,omitempty"`
	Sequential   bool              `json:"sequential,omitempty"`
}

// WallClock returns the run's elapsed time.
func (r *OrchestrationRun) WallClock() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
