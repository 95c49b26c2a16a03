// Package engine runs a compiled graph of nodes over a cloneable state,
// checkpointing after every step so a thread can suspend and resume.
//
// A run stops at three kinds of points: the End node, a node listed in
// InterruptBefore (before it runs), or a node listed in InterruptAfter (after
// it runs). Suspension only writes a checkpoint and returns; Resume continues
// from the checkpoint later.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
)

// Reserved node names.
const (
	Start = "__start__"
	End   = "__end__"
)

const defaultMaxSteps = 200

var (
	// ErrNoCheckpoint is returned when a thread has nothing to resume.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrMaxSteps is returned when a run exceeds its step budget.
	ErrMaxSteps = errors.New("step limit exceeded")
)

// Cloner is implemented by state types. Clone must return a deep copy.
type Cloner[S any] interface {
	Clone() S
}

// NodeFunc executes one step. It receives a private copy of the state and
// returns the new state.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// RouterFunc picks the node that runs after the one it is attached to.
type RouterFunc[S any] func(state S) (string, error)

// Topology describes a graph before compilation.
type Topology[S Cloner[S]] struct {
	Entry           string
	Nodes           map[string]NodeFunc[S]
	Edges           map[string]string        // Static successor per node
	Routers         map[string]RouterFunc[S] // Conditional successor per node
	InterruptBefore []string
	InterruptAfter  []string
}

// StepOutput is delivered to the sink after each checkpoint.
type StepOutput[S any] struct {
	ThreadID     string
	CheckpointID string
	Step         int
	Node         string
	Next         string
	State        S
	Interrupt    Interrupt
}

// Sink receives step outputs as they are produced.
type Sink[S any] func(StepOutput[S])

// RunConfig selects the thread and, optionally, the checkpoint to resume.
type RunConfig struct {
	ThreadID     string
	CheckpointID string // Empty means the latest checkpoint
}

// Result is the outcome of Run or Resume.
type Result[S any] struct {
	State       S
	Checkpoint  Checkpoint[S]
	Steps       int    // Nodes executed by this call
	Interrupted bool   // The run stopped at a suspension point
	Node        string // Node the run is suspended at when Interrupted
}

// Option configures Compile.
type Option func(*options)

type options struct {
	maxSteps int
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// WithMaxSteps bounds the nodes executed by one Run or Resume call.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics counts executed steps.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides time.Now for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Runnable is a compiled topology bound to a checkpoint saver.
type Runnable[S Cloner[S]] struct {
	topo   Topology[S]
	saver  Saver[S]
	before map[string]bool
	after  map[string]bool
	opts   options
	log    *slog.Logger
}

// Compile validates topo and binds it to saver.
func Compile[S Cloner[S]](topo Topology[S], saver Saver[S], opts ...Option) (*Runnable[S], error) {
	o := options{maxSteps: defaultMaxSteps, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if saver == nil {
		return nil, errors.New("compile: nil checkpoint saver")
	}
	if err := validate(topo); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	r := &Runnable[S]{
		topo:   topo,
		saver:  saver,
		before: make(map[string]bool, len(topo.InterruptBefore)),
		after:  make(map[string]bool, len(topo.InterruptAfter)),
		opts:   o,
		log:    logging.Component(o.log, "engine"),
	}
	for _, n := range topo.InterruptBefore {
		r.before[n] = true
	}
	for _, n := range topo.InterruptAfter {
		r.after[n] = true
	}
	return r, nil
}

func validate[S Cloner[S]](topo Topology[S]) error {
	if _, ok := topo.Nodes[topo.Entry]; !ok {
		return fmt.Errorf("entry node %q is not defined", topo.Entry)
	}
	for name := range topo.Nodes {
		if name == Start || name == End {
			return fmt.Errorf("node name %q is reserved", name)
		}
		_, hasEdge := topo.Edges[name]
		_, hasRouter := topo.Routers[name]
		if hasEdge && hasRouter {
			return fmt.Errorf("node %q has both an edge and a router", name)
		}
	}
	for from, to := range topo.Edges {
		if _, ok := topo.Nodes[from]; !ok {
			return fmt.Errorf("edge from undefined node %q", from)
		}
		if _, ok := topo.Nodes[to]; !ok && to != End {
			return fmt.Errorf("edge %q -> %q targets an undefined node", from, to)
		}
	}
	for from := range topo.Routers {
		if _, ok := topo.Nodes[from]; !ok {
			return fmt.Errorf("router on undefined node %q", from)
		}
	}
	for _, n := range append(append([]string(nil), topo.InterruptBefore...), topo.InterruptAfter...) {
		if _, ok := topo.Nodes[n]; !ok {
			return fmt.Errorf("interrupt on undefined node %q", n)
		}
	}
	return nil
}

// Run starts a new run of the thread from input. Earlier checkpoints of the
// thread are kept.
func (r *Runnable[S]) Run(ctx context.Context, cfg RunConfig, input S, sink Sink[S]) (*Result[S], error) {
	if cfg.ThreadID == "" {
		return nil, errors.New("run: empty thread id")
	}
	parent, _ := r.saver.Latest(cfg.ThreadID)
	cp, err := r.save(cfg.ThreadID, parent, Start, r.topo.Entry, input.Clone(), InterruptNone)
	if err != nil {
		return nil, err
	}
	return r.loop(ctx, cp, false, sink)
}

// Resume continues the thread from the configured checkpoint. A run
// suspended before a node executes that node without suspending again.
func (r *Runnable[S]) Resume(ctx context.Context, cfg RunConfig, sink Sink[S]) (*Result[S], error) {
	cp, err := r.load(cfg)
	if err != nil {
		return nil, err
	}
	if cp.Done() {
		return &Result[S]{State: cp.State.Clone(), Checkpoint: cp}, nil
	}
	return r.loop(ctx, cp, cp.Interrupt == InterruptBefore, sink)
}

// GetState returns the thread's latest checkpoint with a private copy of its state.
func (r *Runnable[S]) GetState(threadID string) (Checkpoint[S], bool) {
	cp, ok := r.saver.Latest(threadID)
	if !ok {
		return cp, false
	}
	cp.State = cp.State.Clone()
	return cp, true
}

// History returns the thread's checkpoints, oldest first.
func (r *Runnable[S]) History(threadID string) []Checkpoint[S] {
	list := r.saver.List(threadID)
	for i := range list {
		list[i].State = list[i].State.Clone()
	}
	return list
}

// UpdateState writes a new checkpoint whose state is patch applied to the
// configured checkpoint. With asNode set the update counts as that node's
// output and its successor becomes the next node; otherwise the next node
// and interrupt marker are carried over.
func (r *Runnable[S]) UpdateState(cfg RunConfig, patch func(S) S, asNode string) (Checkpoint[S], error) {
	cp, err := r.load(cfg)
	if err != nil {
		return Checkpoint[S]{}, err
	}
	state := patch(cp.State.Clone())

	node, next, interrupt := cp.Node, cp.Next, cp.Interrupt
	if asNode != "" {
		if _, ok := r.topo.Nodes[asNode]; !ok {
			return Checkpoint[S]{}, apperrors.Violation("engine", "update as undefined node %q", asNode)
		}
		if next, err = r.route(asNode, state); err != nil {
			return Checkpoint[S]{}, err
		}
		node, interrupt = asNode, InterruptNone
	}
	return r.save(cfg.ThreadID, cp, node, next, state, interrupt)
}

func (r *Runnable[S]) load(cfg RunConfig) (Checkpoint[S], error) {
	var (
		cp Checkpoint[S]
		ok bool
	)
	if cfg.CheckpointID != "" {
		cp, ok = r.saver.Get(cfg.ThreadID, cfg.CheckpointID)
	} else {
		cp, ok = r.saver.Latest(cfg.ThreadID)
	}
	if !ok {
		return cp, fmt.Errorf("thread %q: %w", cfg.ThreadID, ErrNoCheckpoint)
	}
	return cp, nil
}

func (r *Runnable[S]) loop(ctx context.Context, cp Checkpoint[S], skipBefore bool, sink Sink[S]) (*Result[S], error) {
	steps := 0
	for {
		node := cp.Next
		if node == End {
			return &Result[S]{State: cp.State.Clone(), Checkpoint: cp, Steps: steps}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.before[node] && !skipBefore {
			var err error
			if cp, err = r.save(cp.ThreadID, cp, cp.Node, node, cp.State, InterruptBefore); err != nil {
				return nil, err
			}
			r.emit(sink, cp)
			r.log.Info("suspended before node", "thread", cp.ThreadID, "node", node)
			return &Result[S]{State: cp.State.Clone(), Checkpoint: cp, Steps: steps, Interrupted: true, Node: node}, nil
		}
		skipBefore = false

		if steps >= r.opts.maxSteps {
			return nil, fmt.Errorf("thread %q at node %q: %w (%d)", cp.ThreadID, node, ErrMaxSteps, r.opts.maxSteps)
		}
		steps++

		state, next, err := r.execute(ctx, cp, node)
		if err != nil {
			return nil, err
		}

		interrupt := InterruptNone
		if r.after[node] && next != End {
			interrupt = InterruptAfter
		}
		if cp, err = r.save(cp.ThreadID, cp, node, next, state, interrupt); err != nil {
			return nil, err
		}
		r.emit(sink, cp)

		if interrupt == InterruptAfter {
			r.log.Info("suspended after node", "thread", cp.ThreadID, "node", node)
			return &Result[S]{State: cp.State.Clone(), Checkpoint: cp, Steps: steps, Interrupted: true, Node: node}, nil
		}
	}
}

// execute runs one node on a copy of the checkpoint state and routes it.
// Panics inside the node become errors.
func (r *Runnable[S]) execute(ctx context.Context, cp Checkpoint[S], node string) (state S, next string, err error) {
	ctx, span := startStepSpan(ctx, r.opts.tracer, cp.ThreadID, node, cp.Step+1)
	defer func() {
		markSpanResult(span, err)
		span.End()
	}()
	r.opts.metrics.IncStep(node)

	fn, ok := r.topo.Nodes[node]
	if !ok {
		return state, "", apperrors.Violation("engine", "checkpoint routes to undefined node %q", node)
	}

	state, err = r.invoke(ctx, node, fn, cp.State.Clone())
	if err != nil {
		r.log.Warn("node failed", "thread", cp.ThreadID, "node", node, "error", err)
		return state, "", fmt.Errorf("node %q: %w", node, err)
	}
	next, err = r.route(node, state)
	return state, next, err
}

func (r *Runnable[S]) invoke(ctx context.Context, node string, fn NodeFunc[S], in S) (out S, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("node panicked", "node", node, "panic", rec, "stack", string(debug.Stack()))
			if cv, ok := rec.(*apperrors.ContractViolation); ok {
				err = cv
				return
			}
			err = apperrors.Violation("engine", "node %q panicked: %v", node, rec)
		}
	}()
	return fn(ctx, in)
}

func (r *Runnable[S]) route(node string, state S) (string, error) {
	if router, ok := r.topo.Routers[node]; ok {
		next, err := router(state)
		if err != nil {
			return "", fmt.Errorf("route from %q: %w", node, err)
		}
		if _, ok := r.topo.Nodes[next]; !ok && next != End {
			return "", apperrors.Violation("engine", "router on %q returned undefined node %q", node, next)
		}
		return next, nil
	}
	if next, ok := r.topo.Edges[node]; ok {
		return next, nil
	}
	return End, nil
}

func (r *Runnable[S]) save(thread string, parent Checkpoint[S], node, next string, state S, interrupt Interrupt) (Checkpoint[S], error) {
	step := 0
	if parent.ID != "" {
		step = parent.Step + 1
	}
	cp := Checkpoint[S]{
		ID:        uuid.NewString(),
		ThreadID:  thread,
		ParentID:  parent.ID,
		Step:      step,
		Node:      node,
		Next:      next,
		State:     state,
		Interrupt: interrupt,
		CreatedAt: r.opts.now(),
	}
	if err := r.saver.Put(cp); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp, nil
}

func (r *Runnable[S]) emit(sink Sink[S], cp Checkpoint[S]) {
	if sink == nil {
		return
	}
	sink(StepOutput[S]{
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
		Step:         cp.Step,
		Node:         cp.Node,
		Next:         cp.Next,
		State:        cp.State.Clone(),
		Interrupt:    cp.Interrupt,
	})
}
