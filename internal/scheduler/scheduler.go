package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/worker"
)

// Override names the rule that replaced the model's routing choice.
type Override string

const (
	OverrideNone             Override = ""
	OverrideFailureThreshold Override = "failure_threshold"
	OverrideReplanCeiling    Override = "replan_ceiling"
	OverrideQuestion         Override = "question"
	OverridePlanExhausted    Override = "plan_exhausted"
)

// Input is the state the scheduler judges.
type Input struct {
	Goal        string
	Plan        *plan.Plan // Mutated by Decide
	Catalogue   string
	Scenario    Scenario
	LastOutput  string // Worker result or user reply
	LastSource  string // Worker name or input kind
	ToolHistory string
	ReplanCount int
}

// Outcome is the applied result of one scheduling step.
type Outcome struct {
	Decision *Decision
	Target   Target
	Task     *plan.Task // Task the target acts on; the dispatched task for worker targets
	Override Override
	Message  string // Replan reason, giving-up notice or question for the user
	Attempts int    // Scheduler worker calls used, including corrections
}

// Config bounds the scheduler.
type Config struct {
	Thresholds          plan.Thresholds
	ReplanCeiling       int // Replans allowed before the run is forced to summary
	DecisionCorrections int // Extra attempts after a malformed decision
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Thresholds:          plan.DefaultThresholds(),
		ReplanCeiling:       3,
		DecisionCorrections: 2,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = logging.Component(l, "scheduler") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler makes one routing decision per call.
type Scheduler struct {
	name    string
	worker  worker.Worker
	invoker *worker.Invoker
	workers WorkerSet
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a scheduler that consults w (registered as name) through inv.
func New(name string, w worker.Worker, inv *worker.Invoker, workers WorkerSet, cfg Config, opts ...Option) *Scheduler {
	if cfg.Thresholds.MaxTaskFailures <= 0 {
		cfg.Thresholds = plan.DefaultThresholds()
	}
	if cfg.DecisionCorrections < 0 {
		cfg.DecisionCorrections = 0
	}
	s := &Scheduler{
		name:    name,
		worker:  w,
		invoker: inv,
		workers: workers,
		cfg:     cfg,
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide asks the scheduler worker for a decision, applies its task update
// to in.Plan and resolves the routing target.
//
// Malformed decisions, including status changes the plan rejects, are sent
// back to the model with a diagnostic up to DecisionCorrections times. An
// unknown task id or routing target is a *ContractViolation and is never
// retried.
func (s *Scheduler) Decide(ctx context.Context, in Input) (*Outcome, error) {
	if in.Plan == nil {
		return nil, apperrors.Violation("scheduler", "no plan to schedule")
	}

	msgs := BuildMessages(in)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.DecisionCorrections+1; attempt++ {
		out, err := s.invoker.Invoke(ctx, s.name, s.worker, msgs)
		if err != nil {
			return nil, err
		}

		d, repaired, err := ParseDecision(out.Text)
		var target Target
		if err == nil {
			if repaired {
				s.log.Warn("scheduler decision needed JSON repair")
			}
			target, err = s.check(in.Plan, d)
		}
		if err == nil {
			return s.apply(in, d, target, attempt)
		}
		if apperrors.IsContractViolation(err) {
			s.log.Error("scheduler decision violates contract", "error", err)
			return nil, err
		}

		lastErr = err
		diag := err.Error()
		var mo *apperrors.MalformedOutputError
		if errors.As(err, &mo) {
			diag = mo.Diagnostic
		}
		s.log.Warn("malformed scheduler decision", "attempt", attempt, "diagnostic", diag)
		msgs = append(msgs, correction(out.Text, diag)...)
	}
	return nil, lastErr
}

// check validates the decision against the plan without changing it.
func (s *Scheduler) check(p *plan.Plan, d *Decision) (Target, error) {
	task, ok := p.Get(d.TaskUpdate.TaskID)
	if !ok {
		return Target{}, apperrors.Violation("scheduler", "decision references unknown task %q", d.TaskUpdate.TaskID)
	}
	target, err := ParseTarget(d.NextAction.Next, s.workers)
	if err != nil {
		return Target{}, err
	}

	if d.TaskUpdate.Status == StatusRetry {
		if task.Status != plan.StatusFailed && task.Status != plan.StatusInProgress {
			return Target{}, s.malformed(d, fmt.Sprintf("task %q is %s and cannot be retried", task.ID, task.Status))
		}
		return target, nil
	}
	status, err := plan.ParseStatus(d.TaskUpdate.Status)
	if err != nil {
		return Target{}, s.malformed(d, err.Error())
	}
	if err := p.CheckTransition(task.ID, status); err != nil {
		return Target{}, s.malformed(d, err.Error())
	}
	return target, nil
}

func (s *Scheduler) malformed(d *Decision, diag string) error {
	return &apperrors.MalformedOutputError{
		Source:     "decision",
		Diagnostic: diag,
		Raw:        fmt.Sprintf("%+v", *d),
		Err:        plan.ErrInvalidTransition,
	}
}

func (s *Scheduler) apply(in Input, d *Decision, target Target, attempts int) (*Outcome, error) {
	p := in.Plan
	upd := d.TaskUpdate

	var (
		task *plan.Task
		err  error
	)
	if upd.Status == StatusRetry {
		task, err = p.MarkRetry(upd.TaskID)
	} else {
		task, err = p.ApplyModify(plan.Modify{TaskID: upd.TaskID, Status: upd.Status})
	}
	if err != nil {
		// check ran against the same plan, so this is not the model's fault.
		return nil, apperrors.Violation("scheduler", "apply validated update: %v", err)
	}
	if upd.FailureCount != nil && *upd.FailureCount != task.FailureCount {
		s.log.Debug("ignoring supplied failure count", "task", task.ID, "supplied", *upd.FailureCount, "kept", task.FailureCount)
	}

	out := &Outcome{Decision: d, Target: target, Task: task, Attempts: attempts}
	reason := upd.Reason
	if reason == "" {
		reason = d.NextAction.Context
	}

	// Failure escalation overrides any forward routing.
	if target.Kind == KindWorker || target.Kind == KindHumanInput {
		if msg, tripped := s.thresholdTripped(p, task); tripped {
			out.Target = Target{Kind: KindReplan}
			out.Override = OverrideFailureThreshold
			reason = msg
			s.metrics.IncOverride(string(OverrideFailureThreshold))
			s.log.Warn("failure threshold exceeded, forcing replan", "task", task.ID, "reason", msg,
				"error", apperrors.ErrFailureThresholdExceeded)
		}
	}

	if out.Target.Kind == KindReplan {
		if in.ReplanCount >= s.cfg.ReplanCeiling {
			out.Target = Target{Kind: KindSummary}
			out.Override = OverrideReplanCeiling
			out.Message = givingUpMessage(in.ReplanCount, reason)
			s.metrics.IncOverride(string(OverrideReplanCeiling))
			s.log.Warn("replan ceiling reached, forcing summary", "replans", in.ReplanCount,
				"error", apperrors.ErrReplanLimitExceeded)
			return out, nil
		}
		out.Message = reason
		s.metrics.IncReplan()
		return out, nil
	}

	if out.Target.Kind != KindHumanInput && endsWithQuestion(d.Response) {
		out.Target = Target{Kind: KindHumanInput}
		out.Override = OverrideQuestion
		s.metrics.IncOverride(string(OverrideQuestion))
		s.log.Info("response asks the user a question, suspending for input")
	}
	if out.Target.Kind == KindHumanInput {
		out.Message = d.Response
		return out, nil
	}

	if out.Target.Kind == KindWorker {
		next := task
		if !next.Status.Active() {
			var ok bool
			if next, ok = p.NextExecutable(); !ok {
				out.Target = Target{Kind: KindSummary}
				out.Override = OverridePlanExhausted
				out.Task = task
				s.metrics.IncOverride(string(OverridePlanExhausted))
				s.log.Info("no executable task left, routing to summary")
				return out, nil
			}
		}
		if next.Status == plan.StatusPending {
			if next, err = p.ApplyModify(plan.Modify{TaskID: next.ID, Status: string(plan.StatusInProgress)}); err != nil {
				return nil, apperrors.Violation("scheduler", "dispatch %q: %v", taskLabel(next), err)
			}
		}
		if next.AssignedWorker != target.Worker {
			s.log.Warn("routing task to a worker other than its assignee",
				"task", next.ID, "assigned", next.AssignedWorker, "target", target.Worker)
		}
		out.Task = next
	}
	out.Message = d.Response

	s.log.Debug("scheduled", "task", taskLabel(out.Task), "status", upd.Status, "next", out.Target.String(), "override", string(out.Override))
	return out, nil
}

func (s *Scheduler) thresholdTripped(p *plan.Plan, task *plan.Task) (string, bool) {
	th := s.cfg.Thresholds
	if th.MaxTaskFailures > 0 && task.FailureCount >= th.MaxTaskFailures {
		return fmt.Sprintf("task %s (%s) failed %d times", task.ID, task.Description, task.FailureCount), true
	}
	if th.FailureRatio > 0 {
		if rate := p.FailureRate(); rate >= th.FailureRatio {
			return fmt.Sprintf("%.0f%% of the plan's tasks have failed", rate*100), true
		}
	}
	return "", false
}
