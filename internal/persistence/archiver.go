package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/logging"
)

// Archiver drains session events from the bus into a Store.
type Archiver struct {
	store    Store
	log      *slog.Logger
	done     chan struct{}
	once     sync.Once
	failures atomic.Int64

	mu    sync.Mutex
	known map[string]bool // Sessions with a row in the store
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store Store, log *slog.Logger) *Archiver {
	return &Archiver{
		store: store,
		log:   logging.Component(log, "archiver"),
		done:  make(chan struct{}),
		known: make(map[string]bool),
	}
}

// Start launches the drain goroutine. It runs until ch is closed or ctx is
// cancelled.
func (a *Archiver) Start(ctx context.Context, ch <-chan events.Event) {
	go a.drain(ctx, ch)
}

func (a *Archiver) drain(ctx context.Context, ch <-chan events.Event) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := a.Handle(ctx, ev); err != nil {
				a.failures.Add(1)
				a.log.Warn("failed to archive event", "type", ev.EventType(), "session", ev.SessionID(), "error", err)
			}
		}
	}
}

// Wait blocks until the drain goroutine has exited.
func (a *Archiver) Wait() {
	<-a.done
}

// Failures returns the number of events that could not be archived.
func (a *Archiver) Failures() int64 {
	return a.failures.Load()
}

// Handle archives a single event.
func (a *Archiver) Handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.StartedEvent:
		if err := a.store.SaveSession(ctx, SessionRecord{ID: e.Session, Goal: e.Goal, Status: StatusRunning, CreatedAt: e.Timestamp}); err != nil {
			return err
		}
		a.remember(e.Session)
		return nil

	case events.StepEvent:
		if err := a.ensure(ctx, e.Session); err != nil {
			return err
		}
		return a.store.AppendStep(ctx, StepRecord{
			SessionID:    e.Session,
			CheckpointID: e.CheckpointID,
			Step:         e.Step,
			Node:         e.Node,
			Next:         e.Next,
			Messages:     e.Messages,
			CreatedAt:    e.Timestamp,
		})

	case events.SuspendedEvent:
		if err := a.ensure(ctx, e.Session); err != nil {
			return err
		}
		return a.store.SetSessionStatus(ctx, e.Session, StatusSuspended)

	case events.FinishedEvent:
		if err := a.ensure(ctx, e.Session); err != nil {
			return err
		}
		status := StatusFinished
		if e.Failed {
			status = StatusFailed
		}
		return a.store.FinishSession(ctx, e.Session, status, e.Answer, e.Replans)

	case events.ClearedEvent:
		status := StatusCleared
		if e.Reason == StatusExpired {
			status = StatusExpired
		}
		err := a.store.SetSessionStatus(ctx, e.Session, status)
		a.forget(e.Session)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err

	case events.TaskStatusEvent:
		if err := a.ensure(ctx, e.Session); err != nil {
			return err
		}
		return a.store.SaveTask(ctx, TaskRecord{
			SessionID:    e.Session,
			TaskID:       e.TaskID,
			Description:  e.Description,
			Worker:       e.Worker,
			Status:       e.Status,
			FailureCount: e.FailureCount,
			UpdatedAt:    e.Timestamp,
		})

	case events.ToolCallEvent:
		if err := a.ensure(ctx, e.Session); err != nil {
			return err
		}
		return a.store.AppendToolCall(ctx, ToolCallRecord{
			SessionID: e.Session,
			Sequence:  e.Sequence,
			Tool:      e.Tool,
			RequestID: e.RequestID,
			Success:   e.Success,
			Result:    e.Result,
			Duration:  e.Duration,
			CreatedAt: e.Timestamp,
		})
	}
	a.log.Debug("ignoring event", "type", ev.EventType())
	return nil
}

func (a *Archiver) ensure(ctx context.Context, id string) error {
	a.mu.Lock()
	ok := a.known[id]
	a.mu.Unlock()
	if ok {
		return nil
	}
	if err := a.store.EnsureSession(ctx, id); err != nil {
		return err
	}
	a.remember(id)
	return nil
}

func (a *Archiver) remember(id string) {
	a.mu.Lock()
	a.known[id] = true
	a.mu.Unlock()
}

func (a *Archiver) forget(id string) {
	a.mu.Lock()
	delete(a.known, id)
	a.mu.Unlock()
}
