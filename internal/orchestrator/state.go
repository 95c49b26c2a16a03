package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/toolpool"
	"github.com/aristath/taskflow/internal/worker"
)

// InputKind tags input that resumes a suspended session.
type InputKind string

const (
	InputHuman         InputKind = "human_input"
	InputConfirm       InputKind = "human_confirm"
	InputToolResult    InputKind = "tool_result"
	InputExternalEvent InputKind = "external_event"
)

// ParseInputKind converts a wire value to an InputKind.
func ParseInputKind(s string) (InputKind, error) {
	switch k := InputKind(s); k {
	case InputHuman, InputConfirm, InputToolResult, InputExternalEvent:
		return k, nil
	}
	return "", fmt.Errorf("unknown input kind %q", s)
}

// State is the session state carried between graph steps and checkpointed
// after each one.
type State struct {
	SessionID string
	Goal      string
	Messages  []worker.Message
	Plan      *plan.Plan

	// Planning.
	PlanDraft      string // Raw diff from the planner, consumed by merge
	PriorFailure   string // Replan reason handed to the planner
	Repair         string // Diagnostic for the rejected diff
	RepairAttempts int    // Self-repairs used for the current diff
	ReplanCount    int

	// Scheduling.
	Scenario   scheduler.Scenario
	LastOutput string
	LastSource string
	Question   string // Pending question for the user
	Note       string // Why the run went to summary, if forced

	// Dispatch.
	TaskID          string
	TaskDescription string
	TaskContext     string
	ActiveWorker    string
	TaskStart       int // Index of the first message produced for the current task
	ToolRounds      int
	Operations      []toolpool.Request

	Route         string // Node the last step chose
	Error         string // Terminal failure, user visible
	FinalResponse string
	Done          bool
}

// NewState creates the input state for a new run toward goal.
func NewState(sessionID, goal string) *State {
	return &State{
		SessionID: sessionID,
		Goal:      goal,
		Plan:      plan.New(),
		Messages:  []worker.Message{{Role: worker.RoleUser, Content: goal}},
	}
}

// Clone returns a deep copy. A nil state clones to nil.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]worker.Message(nil), s.Messages...)
	c.Plan = s.Plan.Clone()
	if s.Operations != nil {
		c.Operations = make([]toolpool.Request, len(s.Operations))
		for i, op := range s.Operations {
			op.Arguments = append([]byte(nil), op.Arguments...)
			op.DependsOn = append([]string(nil), op.DependsOn...)
			c.Operations[i] = op
		}
	}
	return &c
}

// MessageCount returns the number of conversation messages.
func (s *State) MessageCount() int {
	if s == nil {
		return 0
	}
	return len(s.Messages)
}

// Answer returns the text to show the user for the current state.
func (s *State) Answer() string {
	switch {
	case s == nil:
		return ""
	case s.FinalResponse != "":
		return s.FinalResponse
	case s.Question != "":
		return s.Question
	}
	return s.Error
}

// ApplyInput merges resumed input into s: the text is appended as a user
// message tagged with kind and becomes the scheduler's latest input.
func ApplyInput(s *State, kind InputKind, text string) *State {
	s.Messages = append(s.Messages, worker.Message{Role: worker.RoleUser, Content: text, Kind: string(kind)})
	s.Scenario = scheduler.ScenarioUserInput
	s.LastOutput = text
	s.LastSource = string(kind)
	s.Question = ""
	s.Done = false
	s.FinalResponse = ""
	s.Error = ""
	return s
}

var declineWords = map[string]bool{
	"no": true, "n": true, "nope": true, "deny": true, "denied": true,
	"reject": true, "rejected": true, "cancel": true, "decline": true,
	"declined": true, "stop": true, "abort": true,
}

// declined reports whether the latest message is a negative confirmation.
func (s *State) declined() bool {
	if len(s.Messages) == 0 {
		return false
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Kind != string(InputConfirm) {
		return false
	}
	fields := strings.FieldsFunc(strings.ToLower(last.Content), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '\n' || r == '\t'
	})
	return len(fields) > 0 && declineWords[fields[0]]
}

func (s *State) appendMessage(role, name, content string) {
	s.Messages = append(s.Messages, worker.Message{Role: role, Name: name, Content: content})
}
