package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/taskflow/internal/engine"
	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/toolpool"
)

// Defaults for Config.
const (
	DefaultTTL        = 45 * time.Minute
	DefaultDedupeSize = 1024
)

// Config bounds the sessions kept by a Manager.
type Config struct {
	TTL              time.Duration // Idle time before a session is evicted
	SweepInterval    time.Duration // Minimum time between sweeps; defaults to TTL/4
	MaxCheckpoints   int           // Per session; zero keeps all
	ToolHistoryLimit int           // Per session tool records
	DedupeSize       int           // Remembered resume outcomes
	Shards           int
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		TTL:              DefaultTTL,
		SweepInterval:    DefaultTTL / 4,
		ToolHistoryLimit: toolpool.DefaultHistoryLimit,
		DedupeSize:       DefaultDedupeSize,
		Shards:           defaultShards,
	}
}

// Outcome is what a run or resume produced.
type Outcome struct {
	SessionID    string
	CheckpointID string
	Steps        int
	Answer       string // Final response, open question or error text
	Suspended    bool
	Node         string           // Node the session is suspended at
	Interrupt    engine.Interrupt // before for confirmations, after for questions
	Prompt       string           // What the user is asked when suspended
	Done         bool
	Failed       bool
	Replans      int
	Deduplicated bool // Returned from the resume cache without running
}

// ExternalEvent is input from a system other than the user.
type ExternalEvent struct {
	SessionID string
	Source    string
	Payload   string
}

// Stats reports cache sizes.
type Stats struct {
	Sessions      int
	Compiled      int
	Compilations  int64 // Graphs built since the manager was created
	Checkpoints   int
	ToolRecords   int
	DedupeEntries int
	Locks         int
	Evicted       int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records resumes, active sessions and evictions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithEventBus publishes session events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEngineOptions passes options to every compiled graph.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// WithStore replaces the default sharded session store.
func WithStore(s SessionStore) Option {
	return func(m *Manager) { m.sessions = s }
}

// Manager owns the live sessions. Calls for the same session are serialized;
// calls for different sessions run concurrently.
type Manager struct {
	orch       *orchestrator.Orchestrator
	cfg        Config
	sessions   SessionStore
	locks      *KeyedLock
	compile    singleflight.Group
	dedupe     *lru.Cache[string, Outcome]
	sweeper    *Sweeper
	bus        *events.EventBus
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	engineOpts []engine.Option

	compilations atomic.Int64
	evicted      atomic.Int64
}

// NewManager creates a manager running graphs built by orch.
func NewManager(orch *orchestrator.Orchestrator, cfg Config, opts ...Option) (*Manager, error) {
	if orch == nil {
		return nil, errors.New("session: nil orchestrator")
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 4
	}
	if cfg.ToolHistoryLimit <= 0 {
		cfg.ToolHistoryLimit = def.ToolHistoryLimit
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}

	m := &Manager{
		orch:  orch,
		cfg:   cfg,
		locks: NewKeyedLock(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessions == nil {
		m.sessions = NewShardedStore(cfg.Shards)
	}
	m.log = logging.Component(m.log, "session")

	cache, err := lru.New[string, Outcome](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resume cache: %w", err)
	}
	m.dedupe = cache
	m.sweeper = NewSweeper(cfg.TTL, cfg.SweepInterval, m.evictIdle, WithSweepClock(m.now))
	return m, nil
}

// Sweeper returns the manager's idle-session sweeper.
func (m *Manager) Sweeper() *Sweeper {
	return m.sweeper
}

// Start runs a new request toward goal in the session, creating the session
// if needed. The run continues until it finishes or suspends.
func (m *Manager) Start(ctx context.Context, sessionID, goal string) (*Outcome, error) {
	if sessionID == "" {
		return nil, errors.New("session: empty session id")
	}
	m.sweeper.MaybeSweep()

	sess, created := m.sessions.GetOrCreate(sessionID, func() *Session {
		return newSession(sessionID, m.now(), m.cfg.ToolHistoryLimit, m.cfg.MaxCheckpoints)
	})
	if created {
		m.log.Info("session created", "session", sessionID)
		m.metrics.SetActiveSessions(m.sessions.Len())
	}
	sess.enter(m.now())
	defer func() { sess.leave(m.now()) }()

	if err := m.locks.Lock(ctx, sessionID); err != nil {
		return nil, err
	}
	defer m.locks.Unlock(sessionID)

	run, err := m.runnableFor(sess)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.goal = goal
	sess.tasks = make(map[string]taskMarker)
	sess.mu.Unlock()
	m.publish(events.TopicSession, events.StartedEvent{Session: sessionID, Goal: goal, Timestamp: m.now()})

	runCtx, stop := m.runContext(ctx, sess)
	defer stop()
	res, err := run.Run(runCtx, engine.RunConfig{ThreadID: sessionID}, orchestrator.NewState(sessionID, goal), m.sink(sess))
	if err != nil {
		m.log.Error("run failed", "session", sessionID, "error", err)
		return nil, err
	}
	return m.finish(sess, res), nil
}

// SubmitHumanInput answers a question or adds a follow-up request.
func (m *Manager) SubmitHumanInput(ctx context.Context, sessionID, text string) (*Outcome, error) {
	return m.Resume(ctx, sessionID, orchestrator.InputHuman, text)
}

// SubmitConfirmation answers a confirmation prompt. Negative replies such as
// "no" skip the gated worker.
func (m *Manager) SubmitConfirmation(ctx context.Context, sessionID, text string) (*Outcome, error) {
	return m.Resume(ctx, sessionID, orchestrator.InputConfirm, text)
}

// SubmitToolResult delivers the result of a tool run outside the session.
func (m *Manager) SubmitToolResult(ctx context.Context, sessionID, result string) (*Outcome, error) {
	return m.Resume(ctx, sessionID, orchestrator.InputToolResult, result)
}

// OnExternalEvent turns an event into session input and resumes the session.
func (m *Manager) OnExternalEvent(ctx context.Context, ev ExternalEvent) (*Outcome, error) {
	text := ev.Payload
	if ev.Source != "" {
		text = fmt.Sprintf("Event from %s: %s", ev.Source, ev.Payload)
	}
	return m.Resume(ctx, ev.SessionID, orchestrator.InputExternalEvent, text)
}

// ErrStaleCheckpoint is returned when input answers a checkpoint that is no
// longer the session's latest.
var ErrStaleCheckpoint = errors.New("stale checkpoint")

// Request is input for a suspended or finished session.
type Request struct {
	SessionID    string
	CheckpointID string // Checkpoint the input answers; empty means the latest
	Kind         orchestrator.InputKind
	Input        string
}

// Resume merges input into the session's latest checkpoint and continues the
// run. See Submit.
func (m *Manager) Resume(ctx context.Context, sessionID string, kind orchestrator.InputKind, input string) (*Outcome, error) {
	return m.Submit(ctx, Request{SessionID: sessionID, Kind: kind, Input: input})
}

// Submit merges req.Input into the session and continues the run. Resuming an
// unknown session logs and returns a nil outcome. Repeating the same input
// against the same checkpoint returns the first outcome without running again.
func (m *Manager) Submit(ctx context.Context, req Request) (*Outcome, error) {
	sessionID, kind, input := req.SessionID, req.Kind, req.Input
	m.sweeper.MaybeSweep()

	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		m.log.Warn("resume ignored", "session", sessionID, "kind", kind, "error", apperrors.ErrSessionNotFound)
		return nil, nil
	}
	sess.enter(m.now())
	defer func() { sess.leave(m.now()) }()

	run, err := m.runnableFor(sess)
	if err != nil {
		return nil, err
	}
	// Without an explicit checkpoint the key uses the one the caller saw, so
	// a duplicate that waited on the lock still finds the first outcome.
	observed := req.CheckpointID
	if observed == "" {
		cp, ok := run.GetState(sessionID)
		if !ok {
			m.log.Warn("resume ignored", "session", sessionID, "kind", kind, "error", apperrors.ErrSessionNotFound)
			return nil, nil
		}
		observed = cp.ID
	}
	key := dedupeKey(observed, kind, input)

	if err := m.locks.Lock(ctx, sessionID); err != nil {
		return nil, err
	}
	defer m.locks.Unlock(sessionID)

	if prev, ok := m.dedupe.Get(key); ok {
		m.log.Debug("duplicate resume", "session", sessionID, "checkpoint", observed, "kind", kind)
		m.metrics.IncResume(string(kind), true)
		prev.Deduplicated = true
		return &prev, nil
	}
	cp, ok := run.GetState(sessionID)
	if !ok {
		m.log.Warn("resume ignored", "session", sessionID, "kind", kind, "error", apperrors.ErrSessionNotFound)
		return nil, nil
	}
	if req.CheckpointID != "" && req.CheckpointID != cp.ID {
		return nil, fmt.Errorf("session %q: input for %s, latest is %s: %w", sessionID, req.CheckpointID, cp.ID, ErrStaleCheckpoint)
	}

	// A finished run takes the input as a new turn handled by the scheduler
	// (or the planner when there is no plan yet). Suspended or interrupted
	// runs continue from where they stopped.
	asNode := ""
	if cp.Done() {
		asNode = orchestrator.NodeHumanInput
	}
	cfg := engine.RunConfig{ThreadID: sessionID, CheckpointID: cp.ID}
	patch := func(s *orchestrator.State) *orchestrator.State { return orchestrator.ApplyInput(s, kind, input) }
	if _, err := run.UpdateState(cfg, patch, asNode); err != nil {
		return nil, fmt.Errorf("failed to apply %s input: %w", kind, err)
	}
	m.metrics.IncResume(string(kind), false)
	m.log.Info("resuming session", "session", sessionID, "kind", kind, "from", cp.Node, "interrupt", cp.Interrupt)

	runCtx, stop := m.runContext(ctx, sess)
	defer stop()
	res, err := run.Resume(runCtx, engine.RunConfig{ThreadID: sessionID}, m.sink(sess))
	if err != nil {
		m.log.Error("resume failed", "session", sessionID, "error", err)
		return nil, err
	}

	out := m.finish(sess, res)
	m.dedupe.Add(key, *out)
	return out, nil
}

// Replay re-runs the session from the checkpoint before its latest message.
func (m *Manager) Replay(ctx context.Context, sessionID string) (*Outcome, error) {
	return m.ReplayTo(ctx, sessionID, -1)
}

// ReplayTo re-runs the session from the earliest checkpoint holding exactly
// messages messages. A negative count means one less than the current state.
func (m *Manager) ReplayTo(ctx context.Context, sessionID string, messages int) (*Outcome, error) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		m.log.Warn("replay ignored", "session", sessionID, "error", apperrors.ErrSessionNotFound)
		return nil, nil
	}
	sess.enter(m.now())
	defer func() { sess.leave(m.now()) }()

	if err := m.locks.Lock(ctx, sessionID); err != nil {
		return nil, err
	}
	defer m.locks.Unlock(sessionID)

	run, err := m.runnableFor(sess)
	if err != nil {
		return nil, err
	}
	current, ok := run.GetState(sessionID)
	if !ok {
		m.log.Warn("replay ignored", "session", sessionID, "error", apperrors.ErrSessionNotFound)
		return nil, nil
	}
	if messages < 0 {
		messages = current.State.MessageCount() - 1
	}

	var target *engine.Checkpoint[*orchestrator.State]
	for _, cp := range run.History(sessionID) {
		if cp.State.MessageCount() == messages {
			target = &cp
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("session %q: no checkpoint with %d message(s)", sessionID, messages)
	}
	m.log.Info("replaying session", "session", sessionID, "checkpoint", target.ID, "messages", messages)

	runCtx, stop := m.runContext(ctx, sess)
	defer stop()
	res, err := run.Resume(runCtx, engine.RunConfig{ThreadID: sessionID, CheckpointID: target.ID}, m.sink(sess))
	if err != nil {
		m.log.Error("replay failed", "session", sessionID, "error", err)
		return nil, err
	}
	return m.finish(sess, res), nil
}

// runnableFor returns the session's compiled graph, building it at most once
// even when called concurrently.
func (m *Manager) runnableFor(sess *Session) (*engine.Runnable[*orchestrator.State], error) {
	if r := sess.compiled(); r != nil {
		return r, nil
	}
	v, err, _ := m.compile.Do(sess.ID, func() (any, error) {
		if r := sess.compiled(); r != nil {
			return r, nil
		}
		r, err := m.orch.Compile(sess.hist, sess.saver, m.engineOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to compile session %q: %w", sess.ID, err)
		}
		m.compilations.Add(1)
		sess.setCompiled(r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Runnable[*orchestrator.State]), nil
}

// runContext derives a context that ends with either ctx or the session.
func (m *Manager) runContext(ctx context.Context, sess *Session) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess.ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func dedupeKey(checkpointID string, kind orchestrator.InputKind, input string) string {
	sum := sha256.Sum256([]byte(input))
	return checkpointID + "|" + string(kind) + "|" + hex.EncodeToString(sum[:])
}
