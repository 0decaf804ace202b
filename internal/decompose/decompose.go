// Package decompose splits a task description into independent sub-tasks and
// checks that they are safe to run in parallel.
package decompose

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/fanout/internal/protect"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// Options controls decomposition.
type Options struct {
	// MasterID overrides the generated master task ID.
	MasterID string
	// BranchPrefix is the first branch path segment. Defaults to "fanout".
	BranchPrefix string
	// RunSlug is the second branch path segment. Defaults to the master ID.
	RunSlug string
	// AllowSequential accepts a failed validation and returns a master task
	// that runs its sub-tasks one at a time in order.
	AllowSequential bool
	// MaxSubTasks caps the number of sub-tasks. Zero means no limit.
	MaxSubTasks int
	// RepoPath enables existence warnings for mentioned paths.
	RepoPath string
	// Protected adds a warning for every sub-task touching a protected path.
	Protected *protect.Detector
	// Now is used for CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Decompose parses description into a master task and validates it.
//
// A *ParseError is returned when nothing could be parsed. When validation
// flags anything and AllowSequential is false, the report is returned with a
// *ValidationError and no master task.
func Decompose(description string, opts Options) (*models.MasterTask, *Report, error) {
	items, style, skipped := Parse(description)
	if len(items) == 0 {
		reason := "no checklist items, numbered list or sections found"
		if skipped > 0 {
			reason = "every item is already marked done"
		}
		return nil, nil, &ParseError{Reason: reason, Skipped: skipped}
	}
	if opts.MaxSubTasks > 0 && len(items) > opts.MaxSubTasks {
		return nil, nil, fmt.Errorf("%w: %d parsed, limit %d", ErrTooManySubTasks, len(items), opts.MaxSubTasks)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	masterID := opts.MasterID
	if masterID == "" {
		masterID = "task-" + uuid.New().String()[:8]
	}
	prefix := opts.BranchPrefix
	if prefix == "" {
		prefix = "fanout"
	}
	runSlug := opts.RunSlug
	if runSlug == "" {
		runSlug = masterID
	}

	master := &models.MasterTask{
		ID:          masterID,
		Description: description,
		CreatedAt:   now(),
	}
	for i, it := range items {
		st := &models.SubTask{
			ID:                 fmt.Sprintf("%s-%02d", masterID, i+1),
			Index:              i + 1,
			Title:              it.Title,
			Description:        it.Description,
			AcceptanceCriteria: it.Acceptance,
			Branch:             fmt.Sprintf("%s/%s/%02d-%s", prefix, Slug(runSlug), i+1, Slug(it.Title)),
		}
		st.Files = ExtractFiles(st.Title + "\n" + st.Description + "\n" + strings.Join(st.AcceptanceCriteria, "\n"))
		st.Complexity = EstimateComplexity(st)
		master.SubTasks = append(master.SubTasks, st)
	}

	report := NewValidator(opts.RepoPath).WithProtected(opts.Protected).Validate(master.SubTasks)
	report.Style = style
	report.Skipped = skipped

	if !report.OK() {
		if !opts.AllowSequential {
			return nil, report, &ValidationError{Report: report}
		}
		master.Sequential = true
		for i := 1; i < len(master.SubTasks); i++ {
			master.SubTasks[i].DependsOn = []string{master.SubTasks[i-1].ID}
		}
	}

	return master, report, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 40

// Slug lowercases s and collapses everything but letters and digits into dashes.
func Slug(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}
