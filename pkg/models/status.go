package models

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the status record schema written by this build.
const SchemaVersion = 1

// SupportedSchemaVersions lists the record versions readers accept.
var SupportedSchemaVersions = map[int]bool{1: true}

// Status represents the lifecycle state of a worker.
type Status string

const (
	// StatusPending indicates the worker has not started.
	StatusPending Status = "pending"
	// StatusInProgress indicates the worker is executing its sub-task.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates the sub-task artifact exists.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the worker stopped without an artifact.
	StatusFailed Status = "failed"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed and failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidTransition reports whether a single worker_id may move from one status
// to another. in_progress -> in_progress is a heartbeat rewrite.
// failed -> in_progress is never valid here: a retry runs under a new worker_id.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusInProgress
	case StatusInProgress:
		return to == StatusInProgress || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// ErrorType classifies why a worker failed.
type ErrorType string

const (
	ErrorDependencyConflict  ErrorType = "dependency-conflict"
	ErrorVerificationFailure ErrorType = "verification-failure"
	ErrorVerificationTimeout ErrorType = "verification-timeout"
	ErrorBuild               ErrorType = "build-error"
	ErrorWorkspaceConflict   ErrorType = "workspace-conflict"
	ErrorExternalAPI         ErrorType = "external-api-error"
	ErrorTimeout             ErrorType = "timeout"
	ErrorOutputValidation    ErrorType = "output-validation-error"
	ErrorResourceExhaustion  ErrorType = "resource-exhaustion"
	ErrorUnknown             ErrorType = "unknown"
)

var errorTypes = []ErrorType{
	ErrorDependencyConflict, ErrorVerificationFailure, ErrorVerificationTimeout,
	ErrorBuild, ErrorWorkspaceConflict, ErrorExternalAPI, ErrorTimeout,
	ErrorOutputValidation, ErrorResourceExhaustion, ErrorUnknown,
}

// Valid returns true if the error type is a known classification.
func (t ErrorType) Valid() bool {
	for _, known := range errorTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Code returns the upper-case prefix used in structured error strings,
// e.g. "BUILD_ERROR" for build-error.
func (t ErrorType) Code() string {
	return strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}

// WorkerError is the structured failure recorded in a status record.
type WorkerError struct {
	Type    ErrorType
	Message string
}

// String renders the error as "ERROR_TYPE: message".
func (e WorkerError) String() string {
	t := e.Type
	if !t.Valid() {
		t = ErrorUnknown
	}
	return t.Code() + ": " + e.Message
}

// NewWorkerError formats a structured error string.
func NewWorkerError(t ErrorType, format string, args ...any) string {
	return WorkerError{Type: t, Message: fmt.Sprintf(format, args...)}.String()
}

// ParseWorkerError parses an "ERROR_TYPE: message" string.
// Returns false if the prefix is not a known error code.
func ParseWorkerError(s string) (WorkerError, bool) {
	code, msg, ok := strings.Cut(s, ":")
	if !ok {
		return WorkerError{}, false
	}
	code = strings.TrimSpace(code)
	for _, t := range errorTypes {
		if t.Code() == code {
			return WorkerError{Type: t, Message: strings.TrimSpace(msg)}, true
		}
	}
	return WorkerError{}, false
}

// WorkerStatus is the versioned status record owned by one worker.
type WorkerStatus struct {
	SchemaVersion      int            `json:"schema_version"`
	WorkerID           string         `json:"worker_id"`
	SubTaskID          string         `json:"sub_task_id"`
	RunID              string         `json:"run_id,omitempty"`
	Status             Status         `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	LastUpdate         time.Time      `json:"last_update"`
	CompletionTime     *time.Time     `json:"completion_time"`
	ResultRef          *string        `json:"result_ref"`
	BranchName         string         `json:"branch_name"`
	Error              *string        `json:"error"`
	ProgressPercentage *int           `json:"progress_percentage"`
	CurrentStage       *string        `json:"current_stage"`
	Attempt            int            `json:"attempt,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Metadata keys written by the orchestrator itself.
const (
	MetaPID       = "pid"
	MetaForced    = "forced_by_monitor"
	MetaRetryOf   = "retry_of"
	MetaOutputRef = "output_ref"
)

// NewWorkerStatus returns a pending record for a worker.
func NewWorkerStatus(workerID, subTaskID, runID, branch string, now time.Time) *WorkerStatus {
	return &WorkerStatus{
		SchemaVersion: SchemaVersion,
		WorkerID:      workerID,
		SubTaskID:     subTaskID,
		RunID:         runID,
		Status:        StatusPending,
		StartTime:     now,
		LastUpdate:    now,
		BranchName:    branch,
		Attempt:       1,
		Metadata:      map[string]any{},
	}
}

// NewRetryStatus builds the pending record for an explicit retry of a failed
// worker. The retry always runs under a brand-new worker ID.
func NewRetryStatus(failed *WorkerStatus, newWorkerID string, now time.Time) (*WorkerStatus, error) {
	if failed.Status != StatusFailed {
		return nil, fmt.Errorf("worker %s is %s, only failed workers can be retried", failed.WorkerID, failed.Status)
	}
	if newWorkerID == "" || newWorkerID == failed.WorkerID {
		return nil, fmt.Errorf("retry of %s requires a new worker id", failed.WorkerID)
	}
	rec := NewWorkerStatus(newWorkerID, failed.SubTaskID, failed.RunID, failed.BranchName, now)
	rec.Attempt = failed.Attempt + 1
	rec.Metadata[MetaRetryOf] = failed.WorkerID
	return rec, nil
}

// Clone returns a deep copy of the record.
func (w *WorkerStatus) Clone() *WorkerStatus {
	c := *w
	if w.CompletionTime != nil {
		t := *w.CompletionTime
		c.CompletionTime = &t
	}
	if w.ResultRef != nil {
		s := *w.ResultRef
		c.ResultRef = &s
	}
	if w.Error != nil {
		s := *w.Error
		c.Error = &s
	}
	if w.ProgressPercentage != nil {
		p := *w.ProgressPercentage
		c.ProgressPercentage = &p
	}
	if w.CurrentStage != nil {
		s := *w.CurrentStage
		c.CurrentStage = &s
	}
	if w.Metadata != nil {
		c.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Forced reports whether the record was written by the monitor.
func (w *WorkerStatus) Forced() bool {
	v, ok := w.Metadata[MetaForced].(bool)
	return ok && v
}

// Progress returns the progress hint, or -1 when none was reported.
func (w *WorkerStatus) Progress() int {
	if w.ProgressPercentage == nil {
		return -1
	}
	return *w.ProgressPercentage
}

// ErrorString returns the structured error or "".
func (w *WorkerStatus) ErrorString() string {
	if w.Error == nil {
		return ""
	}
	return *w.Error
}

// Ref returns the result reference or "".
func (w *WorkerStatus) Ref() string {
	if w.ResultRef == nil {
		return ""
	}
	return *w.ResultRef
}

// Validate checks the record's internal invariants.
func (w *WorkerStatus) Validate() error {
	if w.WorkerID == "" {
		return fmt.Errorf("status record missing worker_id")
	}
	if !SupportedSchemaVersions[w.SchemaVersion] {
		return fmt.Errorf("worker %s: unsupported schema_version %d", w.WorkerID, w.SchemaVersion)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("worker %s: invalid status %q", w.WorkerID, w.Status)
	}
	if w.Status.Terminal() != (w.CompletionTime != nil) {
		return fmt.Errorf("worker %s: completion_time must be set iff status is terminal (status=%s)", w.WorkerID, w.Status)
	}
	switch w.Status {
	case StatusCompleted:
		if w.Ref() == "" {
			return fmt.Errorf("worker %s: completed without result_ref", w.WorkerID)
		}
	case StatusFailed:
		if _, ok := ParseWorkerError(w.ErrorString()); !ok {
			return fmt.Errorf("worker %s: failed without structured error, got %q", w.WorkerID, w.ErrorString())
		}
	}
	return nil
}
