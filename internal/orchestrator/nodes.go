package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/engine"
	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/toolpool"
	"github.com/aristath/taskflow/internal/worker"
)

const defaultQuestion = "Could you give me more details so I can continue?"

// aborts reports whether err must stop the run instead of becoming a
// user-visible failure.
func aborts(ctx context.Context, err error) bool {
	return ctx.Err() != nil || apperrors.IsContractViolation(err)
}

func (o *Orchestrator) plan(ctx context.Context, s *State) (*State, error) {
	in := planner.Input{
		Goal:         s.Goal,
		PriorFailure: s.PriorFailure,
		SelfRepair:   s.Repair,
		Catalogue:    o.workers.Catalogue(),
	}
	if s.Plan.Len() > 0 {
		in.PlanSummary = s.Plan.Summary()
	}

	raw, err := o.generator.Generate(ctx, in)
	if err != nil {
		if aborts(ctx, err) {
			return nil, err
		}
		return o.fail(s, "planner", err), nil
	}
	s.PlanDraft = raw
	s.appendMessage(worker.RoleAssistant, o.roles.Planner.Name, raw)
	s.Route = NodeMerge
	return s, nil
}

func (o *Orchestrator) merge(_ context.Context, s *State) (*State, error) {
	res, err := o.merger.Merge(s.Plan, s.PlanDraft)
	s.PlanDraft = ""
	if err != nil {
		var mo *apperrors.MalformedOutputError
		if !errors.As(err, &mo) {
			return nil, err
		}
		if s.RepairAttempts < o.cfg.PlanRepairAttempts {
			s.RepairAttempts++
			s.Repair = mo.Diagnostic
			s.Route = NodePlanner
			o.log.Warn("plan diff rejected, asking planner to repair it",
				"session", s.SessionID, "attempt", s.RepairAttempts, "diagnostic", mo.Diagnostic)
			return s, nil
		}
		return o.fail(s, "planner", fmt.Errorf("no usable plan after %d attempt(s): %w", s.RepairAttempts+1, err)), nil
	}

	s.RepairAttempts, s.Repair, s.PriorFailure = 0, "", ""
	o.log.Info("plan updated", "session", s.SessionID, "added", len(res.Added), "tasks", s.Plan.Len())
	if res.Next == nil {
		s.Route = NodeSummary
		return s, nil
	}
	s.Scenario = scheduler.ScenarioInitial
	s.LastOutput, s.LastSource = "", ""
	s.Route = NodeScheduler
	return s, nil
}

func (o *Orchestrator) schedule(hist *toolpool.History) engine.NodeFunc[*State] {
	return func(ctx context.Context, s *State) (*State, error) {
		out, err := o.scheduler.Decide(ctx, scheduler.Input{
			Goal:        s.Goal,
			Plan:        s.Plan,
			Catalogue:   o.workers.Catalogue(),
			Scenario:    s.Scenario,
			LastOutput:  s.LastOutput,
			LastSource:  s.LastSource,
			ToolHistory: hist.Format(o.cfg.ToolHistoryWindow),
			ReplanCount: s.ReplanCount,
		})
		if err != nil {
			if aborts(ctx, err) {
				return nil, err
			}
			return o.fail(s, "scheduler", err), nil
		}

		s.Question, s.Note = "", ""
		s.Route = o.routes.Node(out.Target)
		switch out.Target.Kind {
		case scheduler.KindWorker:
			s.TaskID = out.Task.ID
			s.TaskDescription = out.Task.Description
			if d := out.Decision.NextAction.TaskDescription; d != "" {
				s.TaskDescription = d
			}
			s.TaskContext = out.Decision.NextAction.Context
			s.ActiveWorker = out.Target.Worker
			s.ToolRounds = 0
			if out.Message != "" {
				s.appendMessage(worker.RoleAssistant, o.roles.Scheduler.Name, out.Message)
			}
			s.TaskStart = len(s.Messages)
		case scheduler.KindReplan:
			s.ReplanCount++
			s.PriorFailure = out.Message
			o.log.Info("replanning", "session", s.SessionID, "replans", s.ReplanCount, "reason", out.Message)
		case scheduler.KindHumanInput:
			s.Question = out.Message
		case scheduler.KindSummary:
			s.Note = out.Message
		case scheduler.KindFinish:
			s.FinalResponse = out.Message
			if s.FinalResponse == "" {
				s.FinalResponse = defaultSummary(s)
			}
		}
		return s, nil
	}
}

// confirm runs once the user has answered the confirmation prompt for name.
func (o *Orchestrator) confirm(name string) engine.NodeFunc[*State] {
	return func(_ context.Context, s *State) (*State, error) {
		if s.declined() {
			o.log.Info("confirmation declined, skipping worker", "session", s.SessionID, "worker", name, "task", s.TaskID)
			return o.workerResult(s, name, fmt.Sprintf("The user declined to run %s for task %s.", name, s.TaskID)), nil
		}
		s.Route = WorkerNode(name)
		return s, nil
	}
}

func (o *Orchestrator) runWorker(spec worker.Spec, hist *toolpool.History) engine.NodeFunc[*State] {
	return func(ctx context.Context, s *State) (*State, error) {
		w, ok := o.workers.Get(spec.Name)
		if !ok {
			return nil, apperrors.Violation("orchestrator", "worker %q is not registered", spec.Name)
		}
		out, err := o.invoker.Invoke(ctx, spec.Name, w, o.workerMessages(s, spec, hist))
		if err != nil {
			if aborts(ctx, err) {
				return nil, err
			}
			o.log.Warn("worker failed", "session", s.SessionID, "worker", spec.Name, "task", s.TaskID, "error", err)
			return o.workerResult(s, spec.Name, "Error: "+err.Error()), nil
		}

		if len(out.Operations) > 0 {
			if s.ToolRounds < o.cfg.MaxToolRounds {
				if out.Text != "" {
					s.appendMessage(worker.RoleAssistant, spec.Name, out.Text)
				}
				s.Operations = out.Operations
				s.Route = NodeTools
				return s, nil
			}
			o.log.Warn("tool round limit reached, ignoring requested tools",
				"session", s.SessionID, "worker", spec.Name, "rounds", s.ToolRounds)
		}
		return o.workerResult(s, spec.Name, out.Text), nil
	}
}

// workerResult records text as the outcome of the current task and hands it
// to the scheduler.
func (o *Orchestrator) workerResult(s *State, name, text string) *State {
	s.appendMessage(worker.RoleAssistant, name, text)
	s.Scenario = scheduler.ScenarioResult
	s.LastOutput = text
	s.LastSource = name
	s.Operations = nil
	s.Route = NodeScheduler
	return s
}

func (o *Orchestrator) workerMessages(s *State, spec worker.Spec, hist *toolpool.History) []worker.Message {
	system := fmt.Sprintf("You are the %s worker of a task orchestrator.", spec.Name)
	if spec.Description != "" {
		system += " " + spec.Description
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", s.TaskID, s.TaskDescription)
	if s.TaskContext != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", s.TaskContext)
	}
	fmt.Fprintf(&b, "\nOverall goal:\n%s\n", s.Goal)
	if h := hist.Format(o.cfg.ToolHistoryWindow); h != "" {
		fmt.Fprintf(&b, "\n%s", h)
	}

	msgs := []worker.Message{
		{Role: worker.RoleSystem, Content: system},
		{Role: worker.RoleUser, Content: b.String()},
	}
	if s.TaskStart >= 0 && s.TaskStart <= len(s.Messages) {
		msgs = append(msgs, s.Messages[s.TaskStart:]...)
	}
	return msgs
}

func (o *Orchestrator) runTools(hist *toolpool.History) engine.NodeFunc[*State] {
	return func(ctx context.Context, s *State) (*State, error) {
		ops := s.Operations
		s.Operations = nil
		s.ToolRounds++
		s.Route = WorkerNode(s.ActiveWorker)

		var (
			results []toolpool.Result
			err     error
		)
		if o.tools == nil {
			err = errors.New("no tool providers are configured")
		} else {
			results, err = o.tools.Run(ctx, hist, ops)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			o.log.Warn("tool batch failed", "session", s.SessionID, "tools", len(ops), "error", err)
			results = make([]toolpool.Result, len(ops))
			for i, op := range ops {
				results[i] = toolpool.Result{RequestID: op.ID, Name: op.Name, Text: toolpool.ErrorPrefix + err.Error()}
			}
		}

		for _, r := range results {
			s.appendMessage(worker.RoleTool, r.Name, r.Text)
		}
		return s, nil
	}
}

func (o *Orchestrator) askUser(_ context.Context, s *State) (*State, error) {
	if strings.TrimSpace(s.Question) == "" {
		s.Question = defaultQuestion
	}
	s.appendMessage(worker.RoleAssistant, o.roles.Scheduler.Name, s.Question)
	o.log.Info("waiting for user input", "session", s.SessionID)
	return s, nil
}

func (o *Orchestrator) summarize(ctx context.Context, s *State) (*State, error) {
	var text string
	if o.roles.Summary.Worker != nil {
		out, err := o.invoker.Invoke(ctx, o.roles.Summary.Name, o.roles.Summary.Worker, summaryMessages(s))
		switch {
		case err == nil:
			text = out.Text
		case aborts(ctx, err):
			return nil, err
		default:
			o.log.Warn("summary worker failed, rendering plan instead", "session", s.SessionID, "error", err)
		}
	}

	if strings.TrimSpace(text) == "" {
		text = defaultSummary(s)
	} else if s.Note != "" {
		text = s.Note + "\n\n" + text
	}
	name := o.roles.Summary.Name
	if name == "" {
		name = NodeSummary
	}
	s.FinalResponse = text
	s.appendMessage(worker.RoleAssistant, name, text)
	s.Route = NodeFinish
	return s, nil
}

func summaryMessages(s *State) []worker.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\nPlan:\n%s\n", s.Goal, s.Plan.Summary())
	if s.Note != "" {
		fmt.Fprintf(&b, "\nThe run stopped early: %s\n", s.Note)
	}
	b.WriteString("\nResults:\n")
	for _, m := range s.Messages {
		if m.Role == worker.RoleAssistant && m.Name != "" {
			fmt.Fprintf(&b, "[%s] %s\n", m.Name, m.Content)
		}
	}
	return []worker.Message{
		{Role: worker.RoleSystem, Content: "Summarize for the user what was done toward the goal and what remains. Be brief."},
		{Role: worker.RoleUser, Content: b.String()},
	}
}

func (o *Orchestrator) finish(_ context.Context, s *State) (*State, error) {
	s.Done = true
	s.Route = ""
	o.log.Info("run finished", "session", s.SessionID, "failed", s.Error != "", "replans", s.ReplanCount)
	return s, nil
}
