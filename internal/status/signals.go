package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SignalsDir holds control files dropped by other processes (fanout cancel).
const SignalsDir = "signals"

// CancelSignal is the file whose presence cancels a run.
const CancelSignal = "cancel"

// SendCancel asks the run in runDir to stop.
func SendCancel(runDir string) error {
	dir := filepath.Join(runDir, SignalsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, CancelSignal), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// CancelRequested reports whether a cancel signal file exists.
func CancelRequested(runDir string) bool {
	_, err := os.Stat(filepath.Join(runDir, SignalsDir, CancelSignal))
	return err == nil
}

// WatchCancel calls cancel once a cancel signal appears for runDir.
// It checks the file directly every poll interval in case the watcher misses it.
func WatchCancel(ctx context.Context, runDir string, poll time.Duration, cancel func()) error {
	dir := filepath.Join(runDir, SignalsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	if poll <= 0 {
		poll = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		var (
			events chan fsnotify.Event
			errs   chan error
		)
		if watcher != nil {
			defer watcher.Close()
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			if CancelRequested(runDir) {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case _, ok := <-events:
				if !ok {
					events = nil
				}
			case _, ok := <-errs:
				if !ok {
					errs = nil
				}
			}
		}
	}()
	return nil
}
