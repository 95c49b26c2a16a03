package scheduler

import (
	"strings"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/jsonx"
)

// StatusRetry is accepted in decisions as an alias for "put the task back to
// pending and count one more failure".
const StatusRetry = "retry"

// TaskUpdate is the status change the scheduler model asks for.
type TaskUpdate struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	FailureCount *int   `json:"failureCount,omitempty"` // Ignored; counts are maintained by the plan
}

// NextAction is where the scheduler model wants to go next.
type NextAction struct {
	Next            string `json:"next"`
	TaskDescription string `json:"taskDescription,omitempty"`
	Context         string `json:"context,omitempty"`
}

// Decision is one scheduler judgment.
type Decision struct {
	TaskUpdate TaskUpdate `json:"taskUpdate"`
	NextAction NextAction `json:"nextAction"`
	Response   string     `json:"response,omitempty"` // User-facing text, if any
}

// ParseDecision extracts a decision from model output. Missing or unparsable
// structure is a *MalformedOutputError; target validity is checked later.
func ParseDecision(raw string) (*Decision, bool, error) {
	var d Decision
	repaired, err := jsonx.Decode(raw, &d)
	if err != nil {
		return nil, false, &apperrors.MalformedOutputError{
			Source:     "decision",
			Diagnostic: "the response is not a JSON scheduler decision",
			Raw:        raw,
			Err:        err,
		}
	}

	var missing []string
	if strings.TrimSpace(d.TaskUpdate.TaskID) == "" {
		missing = append(missing, "taskUpdate.taskId")
	}
	if strings.TrimSpace(d.TaskUpdate.Status) == "" {
		missing = append(missing, "taskUpdate.status")
	}
	if len(missing) > 0 {
		return nil, repaired, &apperrors.MalformedOutputError{
			Source:     "decision",
			Diagnostic: "missing required fields: " + strings.Join(missing, ", "),
			Raw:        raw,
		}
	}
	d.TaskUpdate.Status = strings.ToLower(strings.TrimSpace(d.TaskUpdate.Status))
	return &d, repaired, nil
}

// endsWithQuestion reports whether text ends in an ASCII or full-width
// question mark, ignoring trailing whitespace.
func endsWithQuestion(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasSuffix(text, "?") || strings.HasSuffix(text, "？")
}
