// Package planner turns a goal into incremental plan diffs and merges them
// into the session plan.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/worker"
)

// Input is everything the planner model sees for one planning call.
type Input struct {
	Goal         string
	PriorFailure string // Why the previous plan was abandoned, set on replan
	SelfRepair   string // Diagnostic for the previous malformed diff
	PlanSummary  string // Current plan rendering, empty on first plan
	Catalogue    string // Available workers, one per line
}

const systemPrompt = `You are the planning component of a task orchestrator.
Break the user's goal into small tasks, each handled by exactly one worker from the catalogue.
Respond with a single JSON object and nothing else:
{"add":[{"description":"...","assignedWorker":"<worker>","status":"pending","order":1}],
 "modify":[{"taskId":"<existing id>","status":"pending"}]}
Rules:
- Never remove or rename existing tasks. Use "modify" only to change status.
- A failed task can be retried by setting its status to "pending".
- "order" is optional; new tasks are appended after existing ones.`

// BuildMessages renders the planner conversation for in.
func BuildMessages(in Input) []worker.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", in.Goal)
	fmt.Fprintf(&b, "Available workers:\n%s\n", strings.TrimRight(in.Catalogue, "\n"))
	if in.PlanSummary != "" {
		fmt.Fprintf(&b, "\nCurrent plan:\n%s\n", in.PlanSummary)
	}
	if in.PriorFailure != "" {
		fmt.Fprintf(&b, "\nThe current plan needs revision:\n%s\n", in.PriorFailure)
	}
	if in.SelfRepair != "" {
		fmt.Fprintf(&b, "\nYour previous answer could not be used: %s\nReturn only the corrected JSON object.\n", in.SelfRepair)
	}

	return []worker.Message{
		{Role: worker.RoleSystem, Content: systemPrompt},
		{Role: worker.RoleUser, Content: b.String()},
	}
}

// Generator asks the planner worker for a plan diff.
type Generator struct {
	name    string
	worker  worker.Worker
	invoker *worker.Invoker
	log     *slog.Logger
}

// NewGenerator creates a generator calling w through inv.
func NewGenerator(name string, w worker.Worker, inv *worker.Invoker, log *slog.Logger) *Generator {
	return &Generator{
		name:    name,
		worker:  w,
		invoker: inv,
		log:     logging.Component(log, "planner"),
	}
}

// Generate returns the raw diff text produced by the planner worker.
// Worker failures that survive the invoker's retries are returned unchanged.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	g.log.Debug("generating plan diff",
		"replan", in.PriorFailure != "",
		"repair", in.SelfRepair != "")

	out, err := g.invoker.Invoke(ctx, g.name, g.worker, BuildMessages(in))
	if err != nil {
		return "", err
	}
	return out.Text, nil
}
