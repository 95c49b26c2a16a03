package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	SessionID() string
}

// Topic constants
const (
	TopicSession = "session"
	TopicTask    = "task"
	TopicTool    = "tool"
)

// Event type constants
const (
	EventTypeStarted    = "session.started"
	EventTypeStep       = "session.step"
	EventTypeSuspended  = "session.suspended"
	EventTypeFinished   = "session.finished"
	EventTypeCleared    = "session.cleared"
	EventTypeTaskStatus = "task.status"
	EventTypeToolCall   = "tool.call"
)

// StartedEvent is published when a session begins a new run toward a goal.
type StartedEvent struct {
	Session   string
	Goal      string
	Timestamp time.Time
}

func (e StartedEvent) EventType() string { return EventTypeStarted }
func (e StartedEvent) SessionID() string { return e.Session }

// StepEvent is published after every checkpointed step of a session.
type StepEvent struct {
	Session      string
	CheckpointID string
	Step         int
	Node         string
	Next         string
	Messages     int
	Timestamp    time.Time
}

func (e StepEvent) EventType() string { return EventTypeStep }
func (e StepEvent) SessionID() string { return e.Session }

// SuspendedEvent is published when a session waits for input.
type SuspendedEvent struct {
	Session      string
	CheckpointID string
	Node         string
	Interrupt    string // "before" for confirmations, "after" for questions
	Prompt       string
	Timestamp    time.Time
}

func (e SuspendedEvent) EventType() string { return EventTypeSuspended }
func (e SuspendedEvent) SessionID() string { return e.Session }

// FinishedEvent is published when a session run reaches its end.
type FinishedEvent struct {
	Session   string
	Answer    string
	Failed    bool
	Replans   int
	Timestamp time.Time
}

func (e FinishedEvent) EventType() string { return EventTypeFinished }
func (e FinishedEvent) SessionID() string { return e.Session }

// ClearedEvent is published when a session is removed.
type ClearedEvent struct {
	Session   string
	Reason    string // "cleared" or "expired"
	Timestamp time.Time
}

func (e ClearedEvent) EventType() string { return EventTypeCleared }
func (e ClearedEvent) SessionID() string { return e.Session }

// TaskStatusEvent is published when a plan task is added or changes status.
type TaskStatusEvent struct {
	Session      string
	TaskID       string
	Description  string
	Worker       string
	Status       string
	FailureCount int
	Timestamp    time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) SessionID() string { return e.Session }

// ToolCallEvent is published for every recorded tool execution.
type ToolCallEvent struct {
	Session   string
	Sequence  int
	Tool      string
	RequestID string
	Success   bool
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e ToolCallEvent) EventType() string { return EventTypeToolCall }
func (e ToolCallEvent) SessionID() string { return e.Session }
