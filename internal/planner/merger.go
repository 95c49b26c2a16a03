package planner

import (
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/jsonx"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/plan"
)

// WorkerSet reports whether a capability tag names a known worker.
type WorkerSet interface {
	Has(name string) bool
}

// MergeResult describes an applied diff.
type MergeResult struct {
	Diff     plan.Diff
	Added    []string   // IDs of tasks added by this diff
	Next     *plan.Task // Next executable task, nil when the plan is exhausted
	Repaired bool       // The JSON had to be repaired before decoding
}

// Merger validates plan diffs and applies them atomically.
type Merger struct {
	workers WorkerSet
	log     *slog.Logger
}

// NewMerger creates a merger that accepts only workers in workers.
func NewMerger(workers WorkerSet, log *slog.Logger) *Merger {
	return &Merger{workers: workers, log: logging.Component(log, "merger")}
}

// Merge parses raw, validates it against p and applies it. Any problem with
// the diff is reported as a *MalformedOutputError whose diagnostic can be fed
// back to the planner; p is left untouched in that case.
func (m *Merger) Merge(p *plan.Plan, raw string) (*MergeResult, error) {
	var diff plan.Diff
	repaired, err := jsonx.Decode(raw, &diff)
	if err != nil {
		return nil, malformed(raw, "the response is not a JSON plan diff", err)
	}
	if repaired {
		m.log.Warn("plan diff needed JSON repair")
	}

	for i := range diff.Modify {
		if strings.EqualFold(diff.Modify[i].Status, "retry") {
			diff.Modify[i].Status = string(plan.StatusPending)
		}
	}
	if diag := m.validate(p, diff); diag != "" {
		return nil, malformed(raw, diag, nil)
	}

	before := make(map[string]bool, p.Len())
	for _, t := range p.Tasks() {
		before[t.ID] = true
	}
	if err := p.Apply(diff); err != nil {
		return nil, malformed(raw, "the diff conflicts with the current plan", err)
	}

	res := &MergeResult{Diff: diff, Repaired: repaired}
	for _, t := range p.Tasks() {
		if !before[t.ID] {
			res.Added = append(res.Added, t.ID)
		}
	}
	if next, ok := p.NextExecutable(); ok {
		res.Next = next
	}
	m.log.Info("plan diff merged", "added", len(res.Added), "modified", len(diff.Modify), "tasks", p.Len())
	return res, nil
}

// validate checks required fields and worker tags. It returns a diagnostic
// for the planner, or "" when the diff is acceptable.
func (m *Merger) validate(p *plan.Plan, diff plan.Diff) string {
	if diff.Empty() && p.Len() == 0 {
		return "the diff is empty and there is no plan yet; add at least one task"
	}
	var problems []string
	for i, item := range diff.Add {
		where := fmt.Sprintf("add[%d]", i)
		if strings.TrimSpace(item.Description) == "" {
			problems = append(problems, where+": missing description")
		}
		switch {
		case item.AssignedWorker == "":
			problems = append(problems, where+": missing assignedWorker")
		case !m.workers.Has(item.AssignedWorker):
			problems = append(problems, fmt.Sprintf("%s: unknown worker %q", where, item.AssignedWorker))
		}
		if item.Status == "" {
			problems = append(problems, where+": missing status")
		} else if _, err := plan.ParseStatus(item.Status); err != nil {
			problems = append(problems, where+": "+err.Error())
		}
	}
	for i, mod := range diff.Modify {
		where := fmt.Sprintf("modify[%d]", i)
		if mod.TaskID == "" {
			problems = append(problems, where+": missing taskId")
		}
		if mod.Status == "" {
			problems = append(problems, where+": missing status")
		} else if _, err := plan.ParseStatus(mod.Status); err != nil {
			problems = append(problems, where+": "+err.Error())
		}
	}
	return strings.Join(problems, "; ")
}

func malformed(raw, diag string, err error) error {
	return &apperrors.MalformedOutputError{Source: "plan", Diagnostic: diag, Raw: raw, Err: err}
}
