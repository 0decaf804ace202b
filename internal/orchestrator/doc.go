// Package orchestrator runs one master task's sub-tasks as parallel workers.
//
// A Session owns a run directory under the status root:
//
//	<status-root>/<run-id>/
//	    manifest.yaml        sub-tasks and effective settings
//	    workers/<id>.json    one status record per worker
//	    output/<id>.log      captured agent output
//	    signals/cancel       written by `fanout cancel`
//	    orchestrator.log     debug log
//	    summary.json         written once when the run ends
//
// Run builds one worker handle per sub-task, starts the monitor, runs the
// handles through the engine and hands the records to the aggregator.
// Worker failures never abort the run; only a bad decomposition (before Run)
// or the global run timeout end it early, and even then a summary is written.
//
// Example usage:
//
//	sess := orchestrator.New(orchestrator.RequiredConfig{
//		Agent:      agent.NewCommandAgent("claude", []string{"-p", "{prompt}"}),
//		Workspaces: agent.NewWorktreeManager("", repo, "fanout"),
//	}, orchestrator.WithConfig(orchestrator.ConfigFrom(cfg)))
//	run, err := sess.Run(ctx, master)
package orchestrator
