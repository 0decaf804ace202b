package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// SummaryFileName is the run summary inside each run directory.
const SummaryFileName = "summary.json"

// ErrSummaryExists is returned when a run's summary was already written.
var ErrSummaryExists = errors.New("run summary already written")

// WriteSummary writes summary.json exactly once. A second call fails with
// ErrSummaryExists and leaves the first summary untouched.
func WriteSummary(runDir string, run *models.OrchestrationRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	path := filepath.Join(runDir, SummaryFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0444)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrSummaryExists
		}
		return fmt.Errorf("create summary: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync summary: %w", err)
	}
	return f.Close()
}

// ReadSummary reads summary.json from runDir. It returns an error wrapping
// fs.ErrNotExist while the run is still going.
func ReadSummary(runDir string) (*models.OrchestrationRun, error) {
	data, err := os.ReadFile(filepath.Join(runDir, SummaryFileName))
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var run models.OrchestrationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &run, nil
}
