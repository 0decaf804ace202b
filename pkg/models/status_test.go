package models

import (
	"testing"
	"time"
)

func TestStatus_Valid(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusInProgress, true},
		{StatusCompleted, true},
		{StatusFailed, true},
		{Status(""), false},
		{Status("running"), false},
		{Status("done"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("Status(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusPending}:       true,
		{StatusPending, StatusInProgress}:    true,
		{StatusInProgress, StatusInProgress}: true,
		{StatusInProgress, StatusCompleted}:  true,
		{StatusInProgress, StatusFailed}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidTransition_FailedToInProgressNeverSameWorker(t *testing.T) {
	if ValidTransition(StatusFailed, StatusInProgress) {
		t.Error("failed -> in_progress must not be valid for the same worker id")
	}
}

func TestWorkerError_RoundTrip(t *testing.T) {
	for _, et := range errorTypes {
		t.Run(string(et), func(t *testing.T) {
			s := NewWorkerError(et, "something broke at %s", "step 3")
			got, ok := ParseWorkerError(s)
			if !ok {
				t.Fatalf("ParseWorkerError(%q) failed", s)
			}
			if got.Type != et {
				t.Errorf("Type = %s, want %s", got.Type, et)
			}
			if got.Message != "something broke at step 3" {
				t.Errorf("Message = %q", got.Message)
			}
		})
	}
}

func TestWorkerError_Format(t *testing.T) {
	got := WorkerError{Type: ErrorOutputValidation, Message: "no artifact"}.String()
	if got != "OUTPUT_VALIDATION_ERROR: no artifact" {
		t.Errorf("String() = %q", got)
	}

	// Unknown types are rendered as UNKNOWN rather than an unparsable code.
	got = WorkerError{Type: "weird", Message: "x"}.String()
	if got != "UNKNOWN: x" {
		t.Errorf("String() = %q, want UNKNOWN prefix", got)
	}
}

func TestParseWorkerError_Rejects(t *testing.T) {
	for _, s := range []string{"", "no colon here", "NOT_A_TYPE: message", "timeout: lower case code"} {
		if _, ok := ParseWorkerError(s); ok {
			t.Errorf("ParseWorkerError(%q) should fail", s)
		}
	}
}

func TestWorkerStatus_Validate(t *testing.T) {
	now := time.Now()
	ref := "agent-branch@abc123"
	errStr := NewWorkerError(ErrorBuild, "go build failed")
	badErr := "it broke"

	tests := []struct {
		name    string
		mutate  func(w *WorkerStatus)
		wantErr bool
	}{
		{"pending ok", func(w *WorkerStatus) {}, false},
		{"in progress ok", func(w *WorkerStatus) { w.Status = StatusInProgress }, false},
		{"completed ok", func(w *WorkerStatus) {
			w.Status = StatusCompleted
			w.CompletionTime = &now
			w.ResultRef = &ref
		}, false},
		{"completed without ref", func(w *WorkerStatus) {
			w.Status = StatusCompleted
			w.CompletionTime = &now
		}, true},
		{"completed without completion time", func(w *WorkerStatus) {
			w.Status = StatusCompleted
			w.ResultRef = &ref
		}, true},
		{"failed ok", func(w *WorkerStatus) {
			w.Status = StatusFailed
			w.CompletionTime = &now
			w.Error = &errStr
		}, false},
		{"failed with unstructured error", func(w *WorkerStatus) {
			w.Status = StatusFailed
			w.CompletionTime = &now
			w.Error = &badErr
		}, true},
		{"in progress with completion time", func(w *WorkerStatus) {
			w.Status = StatusInProgress
			w.CompletionTime = &now
		}, true},
		{"unsupported schema", func(w *WorkerStatus) { w.SchemaVersion = 99 }, true},
		{"missing worker id", func(w *WorkerStatus) { w.WorkerID = "" }, true},
		{"invalid status", func(w *WorkerStatus) { w.Status = "running" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorkerStatus("w-1", "task-01", "run-1", "fanout/run/01-x", now)
			tt.mutate(w)
			err := w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRetryStatus(t *testing.T) {
	now := time.Now()
	errStr := NewWorkerError(ErrorTimeout, "no heartbeat")
	failed := NewWorkerStatus("w-1", "task-01", "run-1", "b", now)
	failed.Status = StatusFailed
	failed.CompletionTime = &now
	failed.Error = &errStr

	retry, err := NewRetryStatus(failed, "w-2", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("NewRetryStatus failed: %v", err)
	}
	if retry.WorkerID != "w-2" || retry.SubTaskID != "task-01" {
		t.Errorf("retry ids = %s/%s", retry.WorkerID, retry.SubTaskID)
	}
	if retry.Status != StatusPending {
		t.Errorf("retry status = %s, want pending", retry.Status)
	}
	if retry.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", retry.Attempt)
	}
	if retry.Metadata[MetaRetryOf] != "w-1" {
		t.Errorf("retry_of = %v, want w-1", retry.Metadata[MetaRetryOf])
	}

	if _, err := NewRetryStatus(failed, "w-1", now); err == nil {
		t.Error("expected error reusing the failed worker id")
	}

	running := NewWorkerStatus("w-3", "task-02", "run-1", "b", now)
	running.Status = StatusInProgress
	if _, err := NewRetryStatus(running, "w-4", now); err == nil {
		t.Error("expected error retrying a non-failed worker")
	}
}

func TestWorkerStatus_CloneIsDeep(t *testing.T) {
	now := time.Now()
	pct := 40
	w := NewWorkerStatus("w-1", "task-01", "run-1", "b", now)
	w.ProgressPercentage = &pct
	w.Metadata["k"] = "v"

	c := w.Clone()
	*c.ProgressPercentage = 90
	c.Metadata["k"] = "changed"

	if w.Progress() != 40 {
		t.Errorf("original progress mutated to %d", w.Progress())
	}
	if w.Metadata["k"] != "v" {
		t.Errorf("original metadata mutated to %v", w.Metadata["k"])
	}
}
