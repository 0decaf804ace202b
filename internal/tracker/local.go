package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/fanout/internal/retry"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// FollowUp status values stored by LocalTracker.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Item is a stored follow-up with its tracker bookkeeping.
type Item struct {
	models.FollowUp
	Status     string
	Resolution string
	ResolvedAt *time.Time
}

// LocalTracker keeps follow-ups in a local SQLite database.
type LocalTracker struct {
	db *sql.DB
}

// NewLocalTracker opens (creating if needed) the follow-up database.
func NewLocalTracker(dbPath string) (*LocalTracker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create tracker directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS follow_ups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sub_task_id TEXT NOT NULL UNIQUE,
			worker_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			title TEXT,
			error_type TEXT NOT NULL,
			message TEXT,
			output_ref TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			resolution TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_follow_ups_run ON follow_ups(run_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &LocalTracker{db: db}, nil
}

// Close closes the database.
func (t *LocalTracker) Close() error {
	return t.db.Close()
}

// Verify LocalTracker implements Tracker and Resolver at compile time.
var (
	_ Tracker  = (*LocalTracker)(nil)
	_ Resolver = (*LocalTracker)(nil)
)

// CreateFollowUp inserts a follow-up unless an open one already exists for
// the sub-task. A resolved follow-up is reopened with the new failure and
// keeps its external id, which is "FU-<n>".
func (t *LocalTracker) CreateFollowUp(ctx context.Context, f *models.FollowUp) (string, bool, error) {
	if f.SubTaskID == "" {
		return "", false, fmt.Errorf("create follow-up: sub_task_id is required")
	}
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO follow_ups (sub_task_id, worker_id, run_id, title, error_type, message, output_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sub_task_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			run_id = excluded.run_id,
			title = excluded.title,
			error_type = excluded.error_type,
			message = excluded.message,
			output_ref = excluded.output_ref,
			created_at = excluded.created_at,
			status = 'open',
			resolution = NULL,
			resolved_at = NULL
		WHERE follow_ups.status = 'resolved'
	`, f.SubTaskID, f.WorkerID, f.RunID, f.Title, string(f.ErrorType), f.Message, f.OutputRef, createdAt.UTC())
	if err != nil {
		if isBusy(err) {
			return "", false, &retry.RateLimitError{Err: err}
		}
		return "", false, fmt.Errorf("insert follow-up: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("rows affected: %w", err)
	}

	var id int64
	if err := t.db.QueryRowContext(ctx, `SELECT id FROM follow_ups WHERE sub_task_id = ?`, f.SubTaskID).Scan(&id); err != nil {
		return "", false, fmt.Errorf("read follow-up id: %w", err)
	}
	return externalID(id), n > 0, nil
}

// Resolve marks the follow-up of a sub-task resolved. Resolving an unknown
// sub-task is not an error.
func (t *LocalTracker) Resolve(ctx context.Context, subTaskID, resolution string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE follow_ups SET status = ?, resolution = ?, resolved_at = ?
		WHERE sub_task_id = ? AND status = ?
	`, StatusResolved, resolution, time.Now().UTC(), subTaskID, StatusOpen)
	if err != nil {
		return fmt.Errorf("resolve follow-up: %w", err)
	}
	return nil
}

// Get returns the follow-up for a sub-task, or nil if there is none.
func (t *LocalTracker) Get(ctx context.Context, subTaskID string) (*Item, error) {
	rows, err := t.db.QueryContext(ctx, selectItems+` WHERE sub_task_id = ?`, subTaskID)
	if err != nil {
		return nil, fmt.Errorf("get follow-up: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// List returns follow-ups, optionally limited to one run and to open items.
func (t *LocalTracker) List(ctx context.Context, runID string, openOnly bool) ([]Item, error) {
	var (
		where []string
		args  []any
	)
	if runID != "" {
		where = append(where, "run_id = ?")
		args = append(args, runID)
	}
	if openOnly {
		where = append(where, "status = ?")
		args = append(args, StatusOpen)
	}
	query := selectItems
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	return scanItems(rows)
}

const selectItems = `
	SELECT id, sub_task_id, worker_id, run_id, title, error_type, message, output_ref,
		status, resolution, created_at, resolved_at
	FROM follow_ups`

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it                           Item
			id                           int64
			errorType                    string
			title, msg, outRef, resolved sql.NullString
			resolvedAt                   sql.NullTime
		)
		if err := rows.Scan(&id, &it.SubTaskID, &it.WorkerID, &it.RunID, &title, &errorType, &msg, &outRef,
			&it.Status, &resolved, &it.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		it.ExternalID = externalID(id)
		it.Title = title.String
		it.ErrorType = models.ErrorType(errorType)
		it.Message = msg.String
		it.OutputRef = outRef.String
		it.Resolution = resolved.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			it.ResolvedAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func externalID(id int64) string {
	return fmt.Sprintf("FU-%d", id)
}

// isBusy reports a locked database, which clears on its own.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
