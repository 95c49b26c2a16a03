// Package session runs orchestrator graphs for many concurrent sessions. Each
// session has its own compiled graph, checkpoints and tool history, and is
// evicted after a period of inactivity.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/toolpool"
)

// Session is the live runtime of one session id.
type Session struct {
	ID string

	ctx    context.Context // Cancelled when the session is cleared or evicted
	cancel context.CancelFunc
	hist   *toolpool.History
	saver  *engine.MemorySaver[*orchestrator.State]

	mu         sync.Mutex
	runnable   *engine.Runnable[*orchestrator.State]
	goal       string
	created    time.Time
	lastAccess time.Time
	active     int                   // Calls currently running or waiting on the session
	toolSeq    int                   // Highest tool record already published
	tasks      map[string]taskMarker // Last published state per task
}

type taskMarker struct {
	status   plan.Status
	failures int
}

func newSession(id string, now time.Time, historyLimit, maxCheckpoints int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		ctx:        ctx,
		cancel:     cancel,
		hist:       toolpool.NewHistory(historyLimit),
		saver:      engine.NewMemorySaver[*orchestrator.State](maxCheckpoints),
		created:    now,
		lastAccess: now,
		tasks:      make(map[string]taskMarker),
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

// enter marks a call as using the session until the matching leave.
func (s *Session) enter(now time.Time) {
	s.mu.Lock()
	s.active++
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) leave(now time.Time) {
	s.mu.Lock()
	s.active--
	s.lastAccess = now
	s.mu.Unlock()
}

// idleSince reports whether the session was last used before cutoff and no
// call is using it now.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == 0 && s.lastAccess.Before(cutoff)
}

func (s *Session) compiled() *engine.Runnable[*orchestrator.State] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnable
}

func (s *Session) setCompiled(r *engine.Runnable[*orchestrator.State]) {
	s.mu.Lock()
	s.runnable = r
	s.mu.Unlock()
}

// newToolRecords returns the tool records appended since the last call.
func (s *Session) newToolRecords() []toolpool.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []toolpool.Record
	for _, r := range s.hist.Records() {
		if r.Sequence > s.toolSeq {
			out = append(out, r)
			s.toolSeq = r.Sequence
		}
	}
	return out
}

// changedTasks returns the tasks whose status or failure count changed since
// the last call.
func (s *Session) changedTasks(p *plan.Plan) []*plan.Task {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*plan.Task
	for _, t := range p.Tasks() {
		m := taskMarker{status: t.Status, failures: t.FailureCount}
		if prev, ok := s.tasks[t.ID]; ok && prev == m {
			continue
		}
		s.tasks[t.ID] = m
		out = append(out, t)
	}
	return out
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID          string
	Goal        string
	Created     time.Time
	LastAccess  time.Time
	Step        int
	Node        string
	Next        string
	Interrupt   engine.Interrupt
	Done        bool
	Messages    int
	Checkpoints int
	ToolRecords int
}

func (s *Session) info() Info {
	s.mu.Lock()
	in := Info{
		ID:         s.ID,
		Goal:       s.goal,
		Created:    s.created,
		LastAccess: s.lastAccess,
	}
	s.mu.Unlock()

	in.Checkpoints = s.saver.Len()
	in.ToolRecords = s.hist.Len()
	if cp, ok := s.saver.Latest(s.ID); ok {
		in.Step = cp.Step
		in.Node = cp.Node
		in.Next = cp.Next
		in.Interrupt = cp.Interrupt
		in.Done = cp.Done()
		in.Messages = cp.State.MessageCount()
	}
	return in
}
