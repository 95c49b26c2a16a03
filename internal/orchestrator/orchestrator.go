// Package orchestrator wires the planner, scheduler, workers and tool pool
// into the session graph run by the engine.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/planner"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/toolpool"
	"github.com/aristath/taskflow/internal/worker"
)

// Graph node names.
const (
	NodePlanner    = "planner"
	NodeMerge      = "merge"
	NodeScheduler  = "scheduler"
	NodeTools      = "tools"
	NodeHumanInput = "human_input"
	NodeSummary    = "summary"
	NodeFinish     = "finish"
)

// WorkerNode returns the node that runs the named worker.
func WorkerNode(name string) string { return "worker:" + name }

// ConfirmNode returns the gate node in front of a confirmation-gated worker.
func ConfirmNode(name string) string { return "confirm:" + name }

// Config bounds a run.
type Config struct {
	PlanRepairAttempts int // Planner retries after a malformed diff
	MaxToolRounds      int // Tool batches a worker may request per dispatch
	ToolHistoryWindow  int // Tool records shown to the scheduler and workers
	Scheduler          scheduler.Config
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		PlanRepairAttempts: 2,
		MaxToolRounds:      5,
		ToolHistoryWindow:  10,
		Scheduler:          scheduler.DefaultConfig(),
	}
}

// Role is a named worker playing a fixed part in every run.
type Role struct {
	Name   string
	Worker worker.Worker
}

// Roles are the workers behind planning, scheduling and summarizing. Summary
// is optional; without it the summary is rendered from the plan.
type Roles struct {
	Planner   Role
	Scheduler Role
	Summary   Role
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTools sets the runner for worker-requested tool calls.
func WithTools(r *toolpool.Runner) Option {
	return func(o *Orchestrator) { o.tools = r }
}

// WithInvoker replaces the default worker invoker.
func WithInvoker(inv *worker.Invoker) Option {
	return func(o *Orchestrator) { o.invoker = inv }
}

// Orchestrator builds session graphs. It holds no per-session state and is
// safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	roles     Roles
	workers   *worker.Registry
	invoker   *worker.Invoker
	tools     *toolpool.Runner
	generator *planner.Generator
	merger    *planner.Merger
	scheduler *scheduler.Scheduler
	routes    scheduler.Routes
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an orchestrator dispatching tasks to the workers in registry.
func New(cfg Config, roles Roles, registry *worker.Registry, opts ...Option) (*Orchestrator, error) {
	if roles.Planner.Worker == nil || roles.Scheduler.Worker == nil {
		return nil, errors.New("orchestrator: planner and scheduler roles are required")
	}
	if registry == nil || len(registry.Specs()) == 0 {
		return nil, errors.New("orchestrator: no workers registered")
	}
	def := DefaultConfig()
	if cfg.PlanRepairAttempts < 0 {
		cfg.PlanRepairAttempts = 0
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	if cfg.ToolHistoryWindow <= 0 {
		cfg.ToolHistoryWindow = def.ToolHistoryWindow
	}
	if cfg.Scheduler.ReplanCeiling <= 0 {
		cfg.Scheduler.ReplanCeiling = def.Scheduler.ReplanCeiling
	}

	o := &Orchestrator{cfg: cfg, roles: roles, workers: registry}
	for _, opt := range opts {
		opt(o)
	}
	base := o.log
	o.log = logging.Component(base, "orchestrator")
	if o.invoker == nil {
		o.invoker = worker.NewInvoker(worker.DefaultRetryConfig(), nil, base, o.metrics)
	}

	o.generator = planner.NewGenerator(roles.Planner.Name, roles.Planner.Worker, o.invoker, base)
	o.merger = planner.NewMerger(registry, base)
	o.scheduler = scheduler.New(roles.Scheduler.Name, roles.Scheduler.Worker, o.invoker, registry, cfg.Scheduler,
		scheduler.WithLogger(base), scheduler.WithMetrics(o.metrics))
	o.routes = scheduler.Routes{
		Worker:     o.workerEntry,
		Replan:     NodePlanner,
		Summary:    NodeSummary,
		HumanInput: NodeHumanInput,
		Finish:     NodeFinish,
	}
	return o, nil
}

// workerEntry is the first node run for a dispatch to name.
func (o *Orchestrator) workerEntry(name string) string {
	if spec, ok := o.workers.Spec(name); ok && spec.Confirm {
		return ConfirmNode(name)
	}
	return WorkerNode(name)
}

// Topology returns the session graph. hist is the session's tool history;
// each session binds its own.
func (o *Orchestrator) Topology(hist *toolpool.History) engine.Topology[*State] {
	if hist == nil {
		hist = toolpool.NewHistory(0)
	}
	byRoute := func(s *State) (string, error) {
		if s.Route == "" {
			return "", errors.New("step produced no route")
		}
		return s.Route, nil
	}

	topo := engine.Topology[*State]{
		Entry: NodePlanner,
		Nodes: map[string]engine.NodeFunc[*State]{
			NodePlanner:    o.plan,
			NodeMerge:      o.merge,
			NodeScheduler:  o.schedule(hist),
			NodeTools:      o.runTools(hist),
			NodeHumanInput: o.askUser,
			NodeSummary:    o.summarize,
			NodeFinish:     o.finish,
		},
		Edges: map[string]string{
			NodeFinish: engine.End,
		},
		Routers: map[string]engine.RouterFunc[*State]{
			NodePlanner:   byRoute,
			NodeMerge:     byRoute,
			NodeScheduler: byRoute,
			NodeTools:     byRoute,
			NodeSummary:   byRoute,
			NodeHumanInput: func(s *State) (string, error) {
				if s.Plan == nil || s.Plan.Len() == 0 {
					return NodePlanner, nil
				}
				return NodeScheduler, nil
			},
		},
		InterruptAfter: []string{NodeHumanInput},
	}

	for _, spec := range o.workers.Specs() {
		node := WorkerNode(spec.Name)
		topo.Nodes[node] = o.runWorker(spec, hist)
		topo.Routers[node] = byRoute
		if spec.Confirm {
			gate := ConfirmNode(spec.Name)
			topo.Nodes[gate] = o.confirm(spec.Name)
			topo.Routers[gate] = byRoute
			topo.InterruptBefore = append(topo.InterruptBefore, gate)
		}
	}
	return topo
}

// Compile builds a runnable graph for one session.
func (o *Orchestrator) Compile(hist *toolpool.History, saver engine.Saver[*State], opts ...engine.Option) (*engine.Runnable[*State], error) {
	return engine.Compile(o.Topology(hist), saver, opts...)
}

// fail ends the run with a user-visible error.
func (o *Orchestrator) fail(s *State, stage string, err error) *State {
	o.log.Error("run failed", "session", s.SessionID, "stage", stage, "error", err)
	s.Error = fmt.Sprintf("The %s could not continue: %v", stage, err)
	s.Route = NodeFinish
	return s
}

func defaultSummary(s *State) string {
	var b strings.Builder
	if s.Note != "" {
		b.WriteString(s.Note)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Goal: %s\n", s.Goal)
	if s.Plan != nil {
		b.WriteString(s.Plan.Summary())
	}
	return b.String()
}
