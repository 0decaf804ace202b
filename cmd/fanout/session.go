package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/api"
	"github.com/ShayCichocki/fanout/internal/config"
	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/tracker"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// sessionFlags are the overrides shared by run and retry.
type sessionFlags struct {
	maxWorkers    int
	workerTimeout string
	runTimeout    string
	noInvestigate bool
	quiet         bool
}

// cliSession is an orchestrator session plus the resources the CLI opened
// for it.
type cliSession struct {
	*orchestrator.Session
	closers []func() error
}

func (c *cliSession) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func newCLISession(p *project, flags sessionFlags) (*cliSession, error) {
	sc := p.sessionConfig()
	if flags.maxWorkers > 0 {
		sc.MaxWorkers = flags.maxWorkers
	}
	if err := applyDuration(&sc.WorkerTimeout, flags.workerTimeout, "--worker-timeout"); err != nil {
		return nil, err
	}
	if err := applyDuration(&sc.RunTimeout, flags.runTimeout, "--run-timeout"); err != nil {
		return nil, err
	}

	if err := CheckAgentCLI(p.cfg.Agent.Command); err != nil {
		return nil, err
	}
	ag := agent.NewCommandAgent(p.cfg.Agent.Command, p.cfg.Agent.Args, agent.WithGrace(sc.Grace))

	ws, err := p.workspaces()
	if err != nil {
		return nil, fmt.Errorf("create workspaces: %w", err)
	}

	cs := &cliSession{}
	opts := []orchestrator.Option{orchestrator.WithConfig(sc), orchestrator.WithEvents(64)}

	db, err := p.openState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: run history disabled: %v\n", err)
	} else {
		cs.closers = append(cs.closers, db.Close)
		opts = append(opts, orchestrator.WithStateDB(db))
	}

	lt, err := p.openTracker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: follow-up tracker disabled: %v\n", err)
	} else {
		cs.closers = append(cs.closers, lt.Close)
		opts = append(opts, orchestrator.WithFollowUps(tracker.NewRetrying(lt, p.retryPolicy())))
	}

	if p.cfg.Aggregate.Investigate && !flags.noInvestigate {
		client, err := api.NewClientFromConfig(p.cfg)
		switch {
		case err == nil:
			opts = append(opts, orchestrator.WithInvestigator(api.NewInvestigator(client, p.retryPolicy())))
		case errors.Is(err, config.ErrNoCredentials):
			if verbose {
				fmt.Println("Root-cause investigation disabled: no Anthropic credentials")
			}
		default:
			fmt.Fprintf(os.Stderr, "Warning: root-cause investigation disabled: %v\n", err)
		}
	}

	cs.Session = orchestrator.New(orchestrator.RequiredConfig{Agent: ag, Workspaces: ws}, opts...)
	return cs, nil
}

func applyDuration(dst *time.Duration, flag, name string) error {
	if flag == "" {
		return nil
	}
	d, err := time.ParseDuration(flag)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nReceived interrupt, stopping workers...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// execute runs fn while printing the session's events, then prints the run.
// A majority failure is returned as an error so the process exits non-zero.
func execute(cs *cliSession, quiet bool, fn func() (*models.OrchestrationRun, error)) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range cs.Events() {
			if !quiet {
				printEvent(ev)
			}
		}
	}()

	run, err := fn()
	<-done
	if err != nil {
		return err
	}

	printRun(run, cs.RunDir())
	if run.Band.Failed() {
		return fmt.Errorf("run %s failed: %d of %d sub-tasks completed", run.ID, run.Completed, run.Total)
	}
	return nil
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		printStatus("▶", fmt.Sprintf("Run %s started (%s)", ev.RunID, ev.Message), color.FgCyan)
	case orchestrator.EventWorkerStarted:
		printStatus("→", fmt.Sprintf("%s started", ev.SubTaskID), color.FgBlue)
	case orchestrator.EventWorkerFinished:
		if ev.Result == nil {
			return
		}
		r := ev.Result
		if r.Succeeded() {
			printStatus("✓", fmt.Sprintf("%s completed in %s", r.SubTaskID, formatDuration(r.Duration)), color.FgGreen)
		} else {
			printStatus("✗", fmt.Sprintf("%s failed: %s", r.SubTaskID, firstLine(r.Error, 100)), color.FgRed)
		}
	case orchestrator.EventWorkerForceFailed:
		printStatus("!", fmt.Sprintf("%s force-failed: %s", ev.SubTaskID, ev.Message), color.FgYellow)
	}
}
