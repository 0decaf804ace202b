package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// ManifestFileName is the manifest inside each run directory.
const ManifestFileName = "manifest.yaml"

// Manifest describes a run for humans and for `fanout status`.
type Manifest struct {
	RunID      string            `yaml:"run_id"`
	RetryOf    string            `yaml:"retry_of,omitempty"`
	CreatedAt  time.Time         `yaml:"created_at"`
	OwnerPID   int               `yaml:"owner_pid"`
	Settings   ManifestSettings  `yaml:"settings"`
	MasterTask models.MasterTask `yaml:"master_task"`
}

// ManifestSettings records the effective session settings.
type ManifestSettings struct {
	MaxWorkers        int     `yaml:"max_workers"`
	Workers           int     `yaml:"workers"`
	WorkerTimeout     string  `yaml:"worker_timeout"`
	RunTimeout        string  `yaml:"run_timeout"`
	HeartbeatInterval string  `yaml:"heartbeat_interval"`
	StaleThreshold    string  `yaml:"stale_threshold"`
	PartialThreshold  float64 `yaml:"partial_threshold"`
}

func newManifest(runID string, cfg Config, master *models.MasterTask, now time.Time) *Manifest {
	return &Manifest{
		RunID:     runID,
		CreatedAt: now.UTC(),
		OwnerPID:  os.Getpid(),
		Settings: ManifestSettings{
			MaxWorkers:        cfg.MaxWorkers,
			Workers:           cfg.workers(len(master.SubTasks), master.Sequential),
			WorkerTimeout:     cfg.WorkerTimeout.String(),
			RunTimeout:        cfg.RunTimeout.String(),
			HeartbeatInterval: cfg.HeartbeatInterval.String(),
			StaleThreshold:    cfg.StaleThreshold.String(),
			PartialThreshold:  cfg.PartialThreshold,
		},
		MasterTask: *master,
	}
}

// WriteManifest writes manifest.yaml into runDir.
func WriteManifest(runDir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, ManifestFileName), data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads manifest.yaml from runDir.
func ReadManifest(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
