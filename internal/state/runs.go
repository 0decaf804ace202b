package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// RunStatus is the lifecycle state of a run row.
type RunStatus string

const (
	RunActive      RunStatus = "active"
	RunFullSuccess RunStatus = RunStatus(models.BandFullSuccess)
	RunPartial     RunStatus = RunStatus(models.BandPartialSuccess)
	RunFailed      RunStatus = RunStatus(models.BandMajorityFailure)
	RunInterrupted RunStatus = "interrupted"
)

// Run is one row of the runs table.
type Run struct {
	ID             string     `json:"id"`
	MasterTaskID   string     `json:"master_task_id"`
	Description    string     `json:"description"`
	RunDir         string     `json:"run_dir"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	Total          int        `json:"total"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	SuccessRate    float64    `json:"success_rate"`
	Speedup        float64    `json:"speedup"`
	ForcedFailures int        `json:"forced_failures"`
	OwnerPID       int        `json:"owner_pid"`
}

const runColumns = `id, master_task_id, description, run_dir, status, started_at, ended_at,
	total, completed, failed, success_rate, speedup, forced_failures, owner_pid`

// CreateRun inserts a new active run.
func (db *DB) CreateRun(r *Run) error {
	if r.Status == "" {
		r.Status = RunActive
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, master_task_id, description, run_dir, status, started_at, total, owner_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.MasterTaskID, r.Description, r.RunDir, string(r.Status), formatTime(r.StartedAt), r.Total, r.OwnerPID)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil, nil if it does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
}

// ListRunsByStatus returns runs in the given status, most recent first.
func (db *DB) ListRunsByStatus(status RunStatus) ([]Run, error) {
	return db.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at DESC`, string(status))
}

// SetRunStatus updates only the status of a run.
func (db *DB) SetRunStatus(id string, status RunStatus) error {
	res, err := db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set run status: run %s not found", id)
	}
	return nil
}

// FinishRun records the summary and its worker results in one transaction.
// Calling it again for the same run replaces the stored results.
func (db *DB) FinishRun(s *models.OrchestrationRun) error {
	return db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET status = ?, ended_at = ?, total = ?, completed = ?, failed = ?,
				success_rate = ?, speedup = ?, forced_failures = ?
			WHERE id = ?
		`, string(s.Band), formatTime(s.EndTime), s.Total, s.Completed, s.Failed,
			s.SuccessRate, s.Speedup, s.ForcedFails, s.ID)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("finish run: run %s not found", s.ID)
		}

		if _, err := tx.Exec(`DELETE FROM worker_results WHERE run_id = ?`, s.ID); err != nil {
			return fmt.Errorf("clear worker results: %w", err)
		}
		for _, r := range s.Results {
			_, err := tx.Exec(`
				INSERT INTO worker_results (run_id, worker_id, sub_task_id, status, exit_code, duration_ms, result_ref, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, s.ID, r.WorkerID, r.SubTaskID, string(r.Status), r.ExitCode, r.Duration.Milliseconds(),
				nullString(r.ResultRef), nullString(r.Error))
			if err != nil {
				return fmt.Errorf("insert worker result %s: %w", r.WorkerID, err)
			}
		}
		return nil
	})
}

// ListResults returns the stored worker results of a run.
func (db *DB) ListResults(runID string) ([]models.ExecutionResult, error) {
	rows, err := db.Query(`
		SELECT worker_id, sub_task_id, status, exit_code, duration_ms, result_ref, error
		FROM worker_results WHERE run_id = ? ORDER BY sub_task_id, worker_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		var (
			r          models.ExecutionResult
			status     string
			durationMS int64
			ref, errS  sql.NullString
		)
		if err := rows.Scan(&r.WorkerID, &r.SubTaskID, &status, &r.ExitCode, &durationMS, &ref, &errS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = models.Status(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.ResultRef = ref.String
		r.Error = errS.String
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r           Run
		status      string
		startedAt   string
		endedAt     sql.NullString
		description sql.NullString
	)
	err := s.Scan(&r.ID, &r.MasterTaskID, &description, &r.RunDir, &status, &startedAt, &endedAt,
		&r.Total, &r.Completed, &r.Failed, &r.SuccessRate, &r.Speedup, &r.ForcedFailures, &r.OwnerPID)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.Status = RunStatus(status)
	r.StartedAt, _ = parseTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
