package orchestrator

import (
	"runtime"
	"time"

	"github.com/ShayCichocki/fanout/internal/config"
	"github.com/ShayCichocki/fanout/internal/engine"
)

// Config holds the settings of one session.
type Config struct {
	// MaxWorkers bounds concurrently running workers.
	MaxWorkers int
	// WorkerTimeout is each worker's own deadline.
	WorkerTimeout time.Duration
	// RunTimeout bounds the whole run; workers still running are failed.
	RunTimeout time.Duration
	// HeartbeatInterval is how often running workers rewrite their record.
	HeartbeatInterval time.Duration
	// StaleThreshold is the heartbeat age after which the monitor acts.
	StaleThreshold time.Duration
	// PollInterval is how often the monitor reads the store.
	PollInterval time.Duration
	// Grace is how long past WorkerTimeout the engine waits before killing.
	Grace time.Duration
	// PartialThreshold is the lowest success rate still reported as partial success.
	PartialThreshold float64
	// StatusRoot holds one directory per run.
	StatusRoot string
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        runtime.NumCPU(),
		WorkerTimeout:     30 * time.Minute,
		RunTimeout:        2 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
		StaleThreshold:    5 * time.Minute,
		PollInterval:      10 * time.Second,
		Grace:             engine.DefaultGrace,
		PartialThreshold:  0.8,
		StatusRoot:        ".fanout/runs",
	}
}

// ConfigFrom maps the user configuration onto session settings.
func ConfigFrom(c *config.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.Concurrency.MaxWorkers > 0 {
		cfg.MaxWorkers = c.Concurrency.MaxWorkers
	}
	if c.Timeouts.Worker > 0 {
		cfg.WorkerTimeout = c.Timeouts.Worker
	}
	if c.Timeouts.Run > 0 {
		cfg.RunTimeout = c.Timeouts.Run
	}
	if c.Heartbeat.Interval > 0 {
		cfg.HeartbeatInterval = c.Heartbeat.Interval
	}
	if c.Monitor.StaleThreshold > 0 {
		cfg.StaleThreshold = c.Monitor.StaleThreshold
	}
	if c.Monitor.PollInterval > 0 {
		cfg.PollInterval = c.Monitor.PollInterval
	}
	if c.Aggregate.PartialThreshold > 0 {
		cfg.PartialThreshold = c.Aggregate.PartialThreshold
	}
	if c.Status.Root != "" {
		cfg.StatusRoot = c.Status.Root
	}
	return cfg
}

// workers returns the pool size for n sub-tasks.
func (c Config) workers(n int, sequential bool) int {
	if sequential {
		return 1
	}
	max := c.MaxWorkers
	if max < 1 {
		max = 1
	}
	if n < max {
		return n
	}
	return max
}
