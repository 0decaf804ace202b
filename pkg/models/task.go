package models

import "time"

// MasterTask is the single unit of work that gets split into sub-tasks.
type MasterTask struct {
	// ID is the unique identifier for this master task.
	ID string `json:"id" yaml:"id"`
	// Description is the raw task description the sub-tasks were parsed from.
	Description string `json:"description" yaml:"description"`
	// SubTasks is the ordered list of sub-tasks. Immutable once validation succeeds.
	SubTasks []*SubTask `json:"sub_tasks" yaml:"sub_tasks"`
	// Sequential is set when validation failed and the caller accepted a
	// degraded one-at-a-time run instead of a parallel one.
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`
	// CreatedAt is when the master task was decomposed.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SubTask is an independently executable unit derived from a master task.
type SubTask struct {
	// ID is the unique identifier for this sub-task.
	ID string `json:"id" yaml:"id"`
	// Index is the 1-based position of the sub-task in the master task.
	Index int `json:"index" yaml:"index"`
	// Title is the short description of the sub-task.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the sub-task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// AcceptanceCriteria lists the checks that define completion.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	// Branch is the branch/workspace name assigned to the sub-task.
	Branch string `json:"branch" yaml:"branch"`
	// DependsOn lists sub-task IDs that must complete first.
	// Must be empty for the sub-task to run in parallel.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Files is the estimated set of paths the sub-task will touch.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
	// Complexity is a rough size estimate used for imbalance detection.
	Complexity int `json:"complexity" yaml:"complexity"`
}

// ParallelEligible reports whether the sub-task has no declared dependencies.
// File-set disjointness against siblings is checked by the decomposer.
func (s *SubTask) ParallelEligible() bool {
	return len(s.DependsOn) == 0
}

// Prompt renders the sub-task as instructions for an agent.
func (s *SubTask) Prompt() string {
	out := s.Title
	if s.Description != "" && s.Description != s.Title {
		out += "\n\n" + s.Description
	}
	if len(s.AcceptanceCriteria) > 0 {
		out += "\n\nAcceptance criteria:"
		for _, c := range s.AcceptanceCriteria {
			out += "\n- " + c
		}
	}
	return out
}
