package decompose

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ShayCichocki/fanout/internal/protect"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// Conflict is a pair of sub-tasks whose file-touch sets intersect.
type Conflict struct {
	A     string   `json:"a"`
	B     string   `json:"b"`
	Paths []string `json:"paths"`
}

// DependencyFlag marks a sub-task whose text implies ordering.
type DependencyFlag struct {
	SubTaskID string `json:"sub_task_id"`
	Phrase    string `json:"phrase"`
}

// Imbalance marks a sub-task much larger than its siblings.
type Imbalance struct {
	SubTaskID  string  `json:"sub_task_id"`
	Complexity int     `json:"complexity"`
	Median     float64 `json:"median"`
}

// Report is the outcome of validating a set of sub-tasks.
type Report struct {
	Style        Style            `json:"style"`
	Skipped      int              `json:"skipped"`
	Conflicts    []Conflict       `json:"conflicts,omitempty"`
	Dependencies []DependencyFlag `json:"dependencies,omitempty"`
	Imbalances   []Imbalance      `json:"imbalances,omitempty"`
	// Warnings never fail validation.
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the sub-tasks may run in parallel.
func (r *Report) OK() bool {
	return len(r.Conflicts) == 0 && len(r.Dependencies) == 0 && len(r.Imbalances) == 0
}

// ConflictsFor returns the conflicts involving a sub-task.
func (r *Report) ConflictsFor(id string) []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if c.A == id || c.B == id {
			out = append(out, c)
		}
	}
	return out
}

// imbalanceFactor is how many times the median a sub-task may reach.
const imbalanceFactor = 2.0

var dependencyPattern = regexp.MustCompile(`(?i)\b(after|depends on|depending on|using the above|requires task|blocked by|once\s+.{1,60}?\s+(?:is|are)\s+(?:done|complete|completed|finished|merged))\b`)

// Validator checks sub-tasks for parallel safety. With a repository path it
// also warns about mentioned paths that do not exist.
type Validator struct {
	repoPath  string
	protected *protect.Detector
}

// NewValidator creates a validator. repoPath may be empty.
func NewValidator(repoPath string) *Validator {
	return &Validator{repoPath: repoPath}
}

// WithProtected enables protected-path warnings. A nil detector disables them.
func (v *Validator) WithProtected(d *protect.Detector) *Validator {
	v.protected = d
	return v
}

// Validate runs every check and returns the report.
func (v *Validator) Validate(subs []*models.SubTask) *Report {
	r := &Report{}
	r.Conflicts = findConflicts(subs)
	r.Dependencies = findDependencyLanguage(subs)
	r.Imbalances = findImbalances(subs)
	if v.repoPath != "" {
		v.checkPaths(subs, r)
	}
	if v.protected != nil {
		v.checkProtected(subs, r)
	}
	return r
}

func (v *Validator) checkProtected(subs []*models.SubTask, r *Report) {
	for _, st := range subs {
		for _, p := range st.Files {
			if ok, reason := v.protected.Check(p); ok {
				r.Warnings = append(r.Warnings,
					fmt.Sprintf("%s: touches protected path '%s' (%s)", st.ID, p, reason))
			}
		}
	}
}

func findConflicts(subs []*models.SubTask) []Conflict {
	var out []Conflict
	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			var shared []string
			for _, a := range subs[i].Files {
				for _, b := range subs[j].Files {
					if PathsOverlap(a, b) {
						shared = appendUnique(shared, a)
						shared = appendUnique(shared, b)
					}
				}
			}
			if len(shared) > 0 {
				sort.Strings(shared)
				out = append(out, Conflict{A: subs[i].ID, B: subs[j].ID, Paths: shared})
			}
		}
	}
	return out
}

func findDependencyLanguage(subs []*models.SubTask) []DependencyFlag {
	var out []DependencyFlag
	for _, st := range subs {
		text := st.Title + "\n" + st.Description
		if m := dependencyPattern.FindString(text); m != "" {
			out = append(out, DependencyFlag{SubTaskID: st.ID, Phrase: strings.ToLower(m)})
		}
	}
	return out
}

func findImbalances(subs []*models.SubTask) []Imbalance {
	if len(subs) < 2 {
		return nil
	}
	var out []Imbalance
	for i, st := range subs {
		others := make([]int, 0, len(subs)-1)
		for j, o := range subs {
			if j != i {
				others = append(others, o.Complexity)
			}
		}
		med := median(others)
		if med > 0 && float64(st.Complexity) > imbalanceFactor*med {
			out = append(out, Imbalance{SubTaskID: st.ID, Complexity: st.Complexity, Median: med})
		}
	}
	return out
}

// EstimateComplexity is a rough size estimate: words plus ten per mentioned file.
func EstimateComplexity(st *models.SubTask) int {
	words := len(strings.Fields(st.Title))
	if st.Description != st.Title {
		words += len(strings.Fields(st.Description))
	}
	for _, c := range st.AcceptanceCriteria {
		words += len(strings.Fields(c))
	}
	return words + 10*len(st.Files)
}

func median(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]int(nil), xs...)
	sort.Ints(s)
	n := len(s)
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return float64(s[n/2-1]+s[n/2]) / 2
}

func (v *Validator) checkPaths(subs []*models.SubTask, r *Report) {
	fsys := os.DirFS(v.repoPath)
	for _, st := range subs {
		for _, p := range st.Files {
			if strings.ContainsAny(p, "*{[") {
				matches, err := doublestar.Glob(fsys, p)
				if err != nil || len(matches) == 0 {
					r.Warnings = append(r.Warnings,
						fmt.Sprintf("%s: pattern '%s' matches no files", st.ID, p))
				}
				continue
			}
			if _, err := os.Stat(filepath.Join(v.repoPath, filepath.FromSlash(p))); err == nil {
				continue
			}
			// Files the sub-task will create are expected to be missing; only
			// suggest when a close sibling exists.
			if suggested := v.findSimilarPath(p); suggested != "" {
				r.Warnings = append(r.Warnings,
					fmt.Sprintf("%s: '%s' does not exist, did you mean '%s'?", st.ID, p, suggested))
			}
		}
	}
}

// findSimilarPath looks for an existing sibling with a similar name.
func (v *Validator) findSimilarPath(p string) string {
	dir := filepath.Dir(filepath.FromSlash(p))
	name := filepath.Base(p)

	entries, err := os.ReadDir(filepath.Join(v.repoPath, dir))
	if err != nil {
		return ""
	}

	best, bestScore := "", 0
	for _, entry := range entries {
		score := similarityScore(name, entry.Name())
		if score > bestScore && score > 50 {
			bestScore = score
			best = filepath.ToSlash(filepath.Join(dir, entry.Name()))
		}
	}
	return best
}

// similarityScore is a 0-100 similarity between two names.
func similarityScore(s1, s2 string) int {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)
	if s1 == s2 {
		return 100
	}
	if strings.Contains(s2, s1) || strings.Contains(s1, s2) {
		return 80
	}

	minLen := len(s1)
	if len(s2) < minLen {
		minLen = len(s2)
	}
	if minLen == 0 {
		return 0
	}
	common := 0
	for i := 0; i < minLen && s1[i] == s2[i]; i++ {
		common++
	}
	return common * 100 / minLen
}

func appendUnique(xs []string, s string) []string {
	for _, x := range xs {
		if x == s {
			return xs
		}
	}
	return append(xs, s)
}
