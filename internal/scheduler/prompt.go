package scheduler

import (
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/worker"
)

// Scenario selects the scheduler prompt.
type Scenario int

const (
	ScenarioInitial   Scenario = iota // A fresh plan is ready to dispatch
	ScenarioResult                    // A worker just returned a result
	ScenarioUserInput                 // The user just replied
)

func (s Scenario) String() string {
	switch s {
	case ScenarioInitial:
		return "initial"
	case ScenarioResult:
		return "result"
	case ScenarioUserInput:
		return "user_input"
	}
	return fmt.Sprintf("scenario(%d)", int(s))
}

const decisionSchema = `Respond with a single JSON object and nothing else:
{"taskUpdate":{"taskId":"<id from the plan>","status":"in_progress|completed|failed|retry","reason":"..."},
 "nextAction":{"next":"<worker>|replan|summary|human-input|finish","taskDescription":"...","context":"..."},
 "response":"optional text for the user"}`

const initialSystemPrompt = `You are the scheduler of a task orchestrator.
Pick the next task from the plan, mark it in_progress and route it to its worker.
` + decisionSchema

const updateSystemPrompt = `You are the scheduler of a task orchestrator.
Judge the latest result against the current task: mark it completed, failed, or retry,
then route to the worker of the next task, to replan if the plan no longer fits,
to human-input if you need the user, or to summary when all work is done.
` + decisionSchema

// BuildMessages renders the scheduler conversation for in.
func BuildMessages(in Input) []worker.Message {
	system := updateSystemPrompt
	if in.Scenario == ScenarioInitial {
		system = initialSystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", in.Goal)
	if in.Catalogue != "" {
		fmt.Fprintf(&b, "Workers:\n%s\n\n", strings.TrimRight(in.Catalogue, "\n"))
	}
	summary := "(no plan)"
	if in.Plan != nil {
		summary = in.Plan.Summary()
	}
	fmt.Fprintf(&b, "Plan:\n%s\n", summary)

	switch in.Scenario {
	case ScenarioResult:
		fmt.Fprintf(&b, "\nResult from %s:\n%s\n", in.LastSource, in.LastOutput)
	case ScenarioUserInput:
		fmt.Fprintf(&b, "\nThe user replied (%s):\n%s\n", in.LastSource, in.LastOutput)
	}
	if in.ToolHistory != "" {
		fmt.Fprintf(&b, "\n%s", in.ToolHistory)
	}

	return []worker.Message{
		{Role: worker.RoleSystem, Content: system},
		{Role: worker.RoleUser, Content: b.String()},
	}
}

func correction(raw, diagnostic string) []worker.Message {
	return []worker.Message{
		{Role: worker.RoleAssistant, Content: raw},
		{Role: worker.RoleUser, Content: "That decision cannot be applied: " + diagnostic +
			"\nReturn only a corrected JSON decision."},
	}
}

func givingUpMessage(replans int, reason string) string {
	msg := fmt.Sprintf("Giving up after %d replanning attempts.", replans)
	if reason != "" {
		msg += " Last problem: " + reason
	}
	return msg + " Summarize what was achieved and what is still missing."
}

func taskLabel(t *plan.Task) string {
	if t == nil {
		return "-"
	}
	return t.ID
}
