// Package aggregate turns a run's status records and results into the run
// summary: counts, outcome band, speedup, follow-ups and diagnostics.
package aggregate

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/fanout/internal/tracker"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// DefaultThreshold is the success rate at or above which a run is a
// partial success rather than a failure.
const DefaultThreshold = 0.8

// Investigator produces a short root-cause analysis for a failed run.
type Investigator interface {
	Investigate(ctx context.Context, run *models.OrchestrationRun, failures []models.FollowUp) (string, error)
}

// Aggregator computes run outcomes.
type Aggregator struct {
	threshold    float64
	tracker      tracker.Tracker
	investigator Investigator
	now          func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithThreshold sets the partial-success threshold (0 < t <= 1).
func WithThreshold(t float64) Option {
	return func(a *Aggregator) {
		if t > 0 && t <= 1 {
			a.threshold = t
		}
	}
}

// WithTracker records follow-ups in an issue tracker.
func WithTracker(t tracker.Tracker) Option {
	return func(a *Aggregator) { a.tracker = t }
}

// WithInvestigator enables root-cause analysis on majority failure.
func WithInvestigator(i Investigator) Option {
	return func(a *Aggregator) { a.investigator = i }
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{threshold: DefaultThreshold, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Band classifies a success rate.
func (a *Aggregator) Band(rate float64) models.Band {
	switch {
	case rate >= 1:
		return models.BandFullSuccess
	case rate >= a.threshold:
		return models.BandPartialSuccess
	default:
		return models.BandMajorityFailure
	}
}

// Aggregate fills run's counters, band, speedup, follow-ups and
// diagnostics. run.StartTime and run.EndTime must be set.
//
// The status records are authoritative: when a sub-task was attempted more
// than once, its latest attempt decides its outcome. master may be nil, in
// which case the sub-task set is taken from records and results.
func (a *Aggregator) Aggregate(ctx context.Context, run *models.OrchestrationRun, master *models.MasterTask, records []*models.WorkerStatus, results []models.ExecutionResult) error {
	final := LatestBySubTask(records)

	titles := make(map[string]string)
	var subTaskIDs []string
	if master != nil {
		for _, st := range master.SubTasks {
			subTaskIDs = append(subTaskIDs, st.ID)
			titles[st.ID] = st.Title
		}
	} else {
		subTaskIDs = unionIDs(final, results)
	}
	if len(subTaskIDs) == 0 {
		return fmt.Errorf("aggregate run %s: no sub-tasks", run.ID)
	}

	resultByWorker := make(map[string]models.ExecutionResult, len(results))
	for _, r := range results {
		resultByWorker[r.WorkerID] = r
	}

	run.Results = results
	run.Total = len(subTaskIDs)
	run.Completed, run.Failed = 0, 0
	run.FollowUps = nil

	var busy time.Duration
	forced := 0
	for _, id := range subTaskIDs {
		rec := final[id]
		if rec != nil && rec.Forced() {
			forced++
		}
		if rec != nil && rec.Status == models.StatusCompleted {
			run.Completed++
			busy += resultByWorker[rec.WorkerID].Duration
			continue
		}
		run.Failed++
		run.FollowUps = append(run.FollowUps, a.followUp(run, id, titles[id], rec, resultByWorker))
	}
	if forced > run.ForcedFails {
		run.ForcedFails = forced
	}

	run.SuccessRate = float64(run.Completed) / float64(run.Total)
	run.Band = a.Band(run.SuccessRate)
	if wall := run.WallClock(); wall > 0 {
		run.Speedup = busy.Seconds() / wall.Seconds()
	}

	a.recordFollowUps(ctx, run)

	run.Diagnostics = ""
	if run.Band.Failed() {
		run.Diagnostics = Diagnose(run)
		a.investigate(ctx, run)
	}
	return nil
}

// followUp builds the follow-up for a failed sub-task.
func (a *Aggregator) followUp(run *models.OrchestrationRun, subTaskID, title string, rec *models.WorkerStatus, results map[string]models.ExecutionResult) models.FollowUp {
	f := models.FollowUp{
		SubTaskID: subTaskID,
		RunID:     run.ID,
		Title:     title,
		ErrorType: models.ErrorUnknown,
		CreatedAt: a.now(),
	}
	if rec == nil {
		f.Message = "no status record was written"
		return f
	}

	f.WorkerID = rec.WorkerID
	switch {
	case rec.Status != models.StatusFailed:
		f.ErrorType = models.ErrorTimeout
		f.Message = fmt.Sprintf("worker still %s when the run ended", rec.Status)
	default:
		if werr, ok := models.ParseWorkerError(rec.ErrorString()); ok {
			f.ErrorType = werr.Type
			f.Message = werr.Message
		} else {
			f.Message = rec.ErrorString()
		}
	}

	if ref, ok := rec.Metadata[models.MetaOutputRef].(string); ok && ref != "" {
		f.OutputRef = ref
	} else if r, ok := results[rec.WorkerID]; ok && r.Stderr != "" {
		f.OutputRef = "stderr:" + firstLine(r.Stderr)
	}
	return f
}

// recordFollowUps sends each follow-up to the tracker. Tracker failures are
// logged per follow-up and never fail the run.
func (a *Aggregator) recordFollowUps(ctx context.Context, run *models.OrchestrationRun) {
	if a.tracker == nil {
		return
	}
	for i := range run.FollowUps {
		f := &run.FollowUps[i]
		id, created, err := a.tracker.CreateFollowUp(ctx, f)
		if err != nil {
			log.Printf("[aggregate] follow-up for %s failed: %v", f.SubTaskID, err)
			continue
		}
		f.ExternalID = id
		if !created {
			log.Printf("[aggregate] follow-up for %s already exists as %s", f.SubTaskID, id)
		}
	}
}

func (a *Aggregator) investigate(ctx context.Context, run *models.OrchestrationRun) {
	if a.investigator == nil {
		return
	}
	analysis, err := a.investigator.Investigate(ctx, run, run.FollowUps)
	if err != nil {
		log.Printf("[aggregate] root-cause investigation failed: %v", err)
		run.Diagnostics += "\nroot-cause investigation unavailable: " + err.Error()
		return
	}
	if analysis = strings.TrimSpace(analysis); analysis != "" {
		run.Diagnostics += "\n\nRoot cause analysis:\n" + analysis
	}
}

// Diagnose summarizes failures as an error-type histogram.
func Diagnose(run *models.OrchestrationRun) string {
	counts := make(map[models.ErrorType]int)
	for _, f := range run.FollowUps {
		counts[f.ErrorType]++
	}
	types := make([]models.ErrorType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d sub-tasks failed (success rate %.0f%%).", run.Failed, run.Total, run.SuccessRate*100)
	if run.TimedOut {
		b.WriteString(" The run hit its global timeout.")
	}
	if run.ForcedFails > 0 {
		fmt.Fprintf(&b, " %d worker(s) were force-failed after missing heartbeats.", run.ForcedFails)
	}
	b.WriteString("\nFailures by type:")
	for _, t := range types {
		fmt.Fprintf(&b, "\n  %-28s %d", t.Code(), counts[t])
	}
	return b.String()
}

// LatestBySubTask keeps the highest attempt per sub-task, breaking ties by
// last_update.
func LatestBySubTask(records []*models.WorkerStatus) map[string]*models.WorkerStatus {
	out := make(map[string]*models.WorkerStatus)
	for _, rec := range records {
		cur, ok := out[rec.SubTaskID]
		if !ok || rec.Attempt > cur.Attempt ||
			(rec.Attempt == cur.Attempt && rec.LastUpdate.After(cur.LastUpdate)) {
			out[rec.SubTaskID] = rec
		}
	}
	return out
}

func unionIDs(final map[string]*models.WorkerStatus, results []models.ExecutionResult) []string {
	seen := make(map[string]bool)
	var ids []string
	for id := range final {
		seen[id] = true
		ids = append(ids, id)
	}
	for _, r := range results {
		if !seen[r.SubTaskID] {
			seen[r.SubTaskID] = true
			ids = append(ids, r.SubTaskID)
		}
	}
	sort.Strings(ids)
	return ids
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return line
}
