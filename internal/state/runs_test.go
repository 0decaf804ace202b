package state

import (
	"testing"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

func sampleRun(id string, started time.Time) *Run {
	return &Run{
		ID:           id,
		MasterTaskID: "task-1",
		Description:  "- [ ] a\n- [ ] b",
		RunDir:       "/tmp/runs/" + id,
		StartedAt:    started,
		Total:        2,
		OwnerPID:     1234,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	db := setupTestDB(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := db.CreateRun(sampleRun("r1", started)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Status != RunActive {
		t.Errorf("Status = %q, want %q", got.Status, RunActive)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil", got.EndedAt)
	}
	if got.OwnerPID != 1234 || got.Total != 2 {
		t.Errorf("OwnerPID/Total = %d/%d", got.OwnerPID, got.Total)
	}

	missing, err := db.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("GetRun(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCreateRun_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	if err := db.CreateRun(sampleRun("r1", now)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.CreateRun(sampleRun("r1", now)); err == nil {
		t.Error("expected error on duplicate run id")
	}
}

func TestFinishRun(t *testing.T) {
	db := setupTestDB(t)
	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if err := db.CreateRun(sampleRun("r1", start)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	summary := &models.OrchestrationRun{
		ID:          "r1",
		StartTime:   start,
		EndTime:     start.Add(10 * time.Minute),
		Total:       2,
		Completed:   1,
		Failed:      1,
		SuccessRate: 0.5,
		Speedup:     1.7,
		Band:        models.BandMajorityFailure,
		ForcedFails: 1,
		Results: []models.ExecutionResult{
			{WorkerID: "w-b", SubTaskID: "task-1-02", Status: models.StatusFailed, ExitCode: 124, Duration: 5 * time.Minute,
				Error: models.NewWorkerError(models.ErrorTimeout, "stale")},
			{WorkerID: "w-a", SubTaskID: "task-1-01", Status: models.StatusCompleted, Duration: 9 * time.Minute,
				ResultRef: "fanout/r1/01-a@abc"},
		},
	}
	if err := db.FinishRun(summary); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	// A second call replaces rather than duplicates.
	if err := db.FinishRun(summary); err != nil {
		t.Fatalf("second FinishRun failed: %v", err)
	}

	got, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunFailed {
		t.Errorf("Status = %q, want %q", got.Status, RunFailed)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(summary.EndTime) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, summary.EndTime)
	}
	if got.Completed != 1 || got.Failed != 1 || got.SuccessRate != 0.5 || got.Speedup != 1.7 || got.ForcedFailures != 1 {
		t.Errorf("counters = %+v", got)
	}

	results, err := db.ListResults("r1")
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("ListResults returned %d results, want 2", len(results))
	}
	if results[0].WorkerID != "w-a" || results[0].ResultRef != "fanout/r1/01-a@abc" || results[0].Error != "" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ExitCode != 124 || results[1].Duration != 5*time.Minute {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestFinishRun_UnknownRun(t *testing.T) {
	db := setupTestDB(t)
	if err := db.FinishRun(&models.OrchestrationRun{ID: "ghost", Band: models.BandFullSuccess}); err == nil {
		t.Error("expected error finishing an unknown run")
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := db.CreateRun(sampleRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	all, err := db.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" {
		t.Errorf("ListRuns(0) = %v, want 3 runs newest first", ids(all))
	}

	two, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(two) != 2 {
		t.Errorf("ListRuns(2) returned %d runs", len(two))
	}

	if err := db.SetRunStatus("r2", RunInterrupted); err != nil {
		t.Fatalf("SetRunStatus failed: %v", err)
	}
	active, err := db.ListRunsByStatus(RunActive)
	if err != nil {
		t.Fatalf("ListRunsByStatus failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active runs = %v, want r1 and r3", ids(active))
	}
	if err := db.SetRunStatus("ghost", RunInterrupted); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := setupTestDB(t)
	old := sampleRun("old", time.Now().Add(-48*time.Hour))
	if err := db.CreateRun(old); err != nil {
		t.Fatal(err)
	}
	if err := db.SetRunStatus("old", RunFullSuccess); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateRun(sampleRun("stuck", time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateRun(sampleRun("new", time.Now())); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1 (active runs are kept)", n)
	}
}

func ids(runs []Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
