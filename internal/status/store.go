// Package status implements the on-disk status record store.
//
// Each worker owns exactly one JSON record at <run-dir>/workers/<worker-id>.json.
// Writes are atomic (temp file plus rename). Concurrent writers to the same
// record are resolved by timestamp: a write older than the stored record is
// rejected, so the later timestamp always wins.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// WorkersDir is the sub-directory of a run directory holding status records.
const WorkersDir = "workers"

var (
	// ErrNotFound is returned when no record exists for a worker.
	ErrNotFound = errors.New("status record not found")
	// ErrStaleWrite is returned when a write is older than the stored record.
	ErrStaleWrite = errors.New("stale status write")
	// ErrInvalidTransition is returned for a status change outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnsupportedSchema is returned when a record's schema_version is unknown.
	ErrUnsupportedSchema = errors.New("unsupported status schema version")
	// ErrForceFailed is returned when a non-terminal write follows a monitor-forced failure.
	ErrForceFailed = errors.New("worker was force-failed by the monitor")
	// ErrCompleted is returned when ForceFail targets a completed worker.
	ErrCompleted = errors.New("worker already completed")
	// ErrAlreadyFailed is returned when ForceFail targets a failed worker.
	ErrAlreadyFailed = errors.New("worker already failed")
)

// Store is a partitioned key-value store of status records keyed by worker ID.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open creates (if needed) and opens the store under runDir.
func Open(runDir string) (*Store, error) {
	dir := filepath.Join(runDir, WorkersDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record path for a worker.
func (s *Store) Path(workerID string) string {
	return filepath.Join(s.dir, workerID+".json")
}

// lock serializes read-modify-write on one record within this process.
func (s *Store) lock(workerID string) func() {
	s.mu.Lock()
	l, ok := s.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workerID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Put writes a record written by its own worker.
//
// The write is rejected with ErrStaleWrite if it is older than the stored
// record, and with ErrInvalidTransition if the status change is not allowed.
// After a monitor-forced failure only the worker's own terminal write with a
// later timestamp is accepted.
func (s *Store) Put(rec *models.WorkerStatus) error {
	if err := validateWorkerID(rec.WorkerID); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("put %s: %w", rec.WorkerID, err)
	}

	unlock := s.lock(rec.WorkerID)
	defer unlock()

	prev, err := s.read(rec.WorkerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		if err := checkSupersede(prev, rec); err != nil {
			return err
		}
	}
	return s.write(rec)
}

func checkSupersede(prev, next *models.WorkerStatus) error {
	if next.LastUpdate.Before(prev.LastUpdate) {
		return fmt.Errorf("%w: %s last_update %s is before stored %s", ErrStaleWrite,
			next.WorkerID, next.LastUpdate.Format(time.RFC3339Nano), prev.LastUpdate.Format(time.RFC3339Nano))
	}

	if prev.Status == models.StatusFailed && prev.Forced() {
		if next.Forced() || !next.Status.Terminal() {
			return fmt.Errorf("%w: %s cannot move to %s", ErrForceFailed, next.WorkerID, next.Status)
		}
		if !next.LastUpdate.After(prev.LastUpdate) {
			return fmt.Errorf("%w: %s terminal write does not postdate the forced failure", ErrStaleWrite, next.WorkerID)
		}
		return nil
	}

	if !models.ValidTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, next.WorkerID, prev.Status, next.Status)
	}
	return nil
}

// ForceFail marks an unresponsive worker failed with a timeout error.
// It never overwrites a completed record.
func (s *Store) ForceFail(workerID, message string, at time.Time) (*models.WorkerStatus, error) {
	unlock := s.lock(workerID)
	defer unlock()

	prev, err := s.read(workerID)
	if err != nil {
		return nil, err
	}
	switch prev.Status {
	case models.StatusCompleted:
		return prev, fmt.Errorf("force-fail %s: %w", workerID, ErrCompleted)
	case models.StatusFailed:
		return prev, fmt.Errorf("force-fail %s: %w", workerID, ErrAlreadyFailed)
	}

	rec := prev.Clone()
	if at.Before(prev.LastUpdate) {
		at = prev.LastUpdate
	}
	errStr := models.NewWorkerError(models.ErrorTimeout, "%s", message)
	rec.Status = models.StatusFailed
	rec.LastUpdate = at
	rec.CompletionTime = &at
	rec.Error = &errStr
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[models.MetaForced] = true

	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get reads one record.
func (s *Store) Get(workerID string) (*models.WorkerStatus, error) {
	if err := validateWorkerID(workerID); err != nil {
		return nil, err
	}
	return s.read(workerID)
}

// List returns every readable record sorted by worker ID.
// Records that fail to decode are returned as errors alongside the rest.
func (s *Store) List() ([]*models.WorkerStatus, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list status dir: %w", err)
	}

	var (
		out  []*models.WorkerStatus
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, errors.Join(errs...)
}

func (s *Store) read(workerID string) (*models.WorkerStatus, error) {
	data, err := os.ReadFile(s.Path(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workerID)
		}
		return nil, fmt.Errorf("read status %s: %w", workerID, err)
	}
	return Decode(data)
}

// Decode parses a record, tolerating unknown fields and checking schema_version.
func Decode(data []byte) (*models.WorkerStatus, error) {
	var rec models.WorkerStatus
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	if !models.SupportedSchemaVersions[rec.SchemaVersion] {
		return nil, fmt.Errorf("%w: %d (worker %s)", ErrUnsupportedSchema, rec.SchemaVersion, rec.WorkerID)
	}
	return &rec, nil
}

func (s *Store) write(rec *models.WorkerStatus) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status %s: %w", rec.WorkerID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.WorkerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write status %s: %w", rec.WorkerID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close status %s: %w", rec.WorkerID, err)
	}
	if err := os.Rename(tmpName, s.Path(rec.WorkerID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit status %s: %w", rec.WorkerID, err)
	}
	return nil
}

func validateWorkerID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid worker id %q", id)
	}
	return nil
}
