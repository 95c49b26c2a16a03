package plan

import "fmt"

// Status is the lifecycle state of a task. Values match the wire format used
// in plan diffs and scheduler decisions.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting to be scheduled
	StatusInProgress Status = "in_progress" // Dispatched to a worker
	StatusCompleted  Status = "completed"   // Finished successfully
	StatusFailed     Status = "failed"      // Finished with error
)

// ParseStatus converts a wire value to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Active reports whether the task can still be scheduled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Task is a single unit of work in a plan.
type Task struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	AssignedWorker string `json:"assignedWorker"` // Capability tag of the worker that runs it
	Status         Status `json:"status"`
	FailureCount   int    `json:"failureCount"`
	Order          int    `json:"order"` // Preference order among ready tasks
}

// canTransition reports whether from -> to is an allowed move. Same-status
// updates are accepted as no-ops.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
