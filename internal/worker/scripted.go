package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskflow/internal/toolpool"
)

// ErrScriptExhausted is returned when a scripted worker runs out of steps.
var ErrScriptExhausted = errors.New("script exhausted")

// ScriptStep is one canned worker reply.
type ScriptStep struct {
	Text       string            `yaml:"text"`
	Operations []ScriptOperation `yaml:"operations,omitempty"`
	Error      string            `yaml:"error,omitempty"` // Fail this call with the given message
}

// ScriptOperation is a tool call in a ScriptStep.
type ScriptOperation struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
}

// Script is a set of scripted workers keyed by name.
type Script struct {
	Workers map[string][]ScriptStep `yaml:"workers"`
}

// LoadScript reads a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return &s, nil
}

// ScriptedWorker replays canned replies in order. It is used for dry runs and
// tests. Calls are recorded for inspection.
type ScriptedWorker struct {
	mu    sync.Mutex
	steps []ScriptStep
	next  int
	calls [][]Message
}

// NewScriptedWorker creates a worker replaying steps.
func NewScriptedWorker(steps ...ScriptStep) *ScriptedWorker {
	return &ScriptedWorker{steps: steps}
}

// Execute returns the next scripted reply.
func (w *ScriptedWorker) Execute(ctx context.Context, messages []Message) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls = append(w.calls, append([]Message(nil), messages...))
	if w.next >= len(w.steps) {
		return Output{}, fmt.Errorf("%w after %d call(s)", ErrScriptExhausted, len(w.steps))
	}
	step := w.steps[w.next]
	w.next++

	if step.Error != "" {
		return Output{}, errors.New(step.Error)
	}
	return step.output()
}

// Calls returns copies of the messages of every call so far.
func (w *ScriptedWorker) Calls() [][]Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]Message, len(w.calls))
	copy(out, w.calls)
	return out
}

// Remaining returns the number of unused steps.
func (w *ScriptedWorker) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.steps) - w.next
}

func (s ScriptStep) output() (Output, error) {
	out := Output{Text: s.Text}
	for i, op := range s.Operations {
		id := op.ID
		if id == "" {
			id = fmt.Sprintf("op-%d", i+1)
		}
		var args json.RawMessage
		if op.Arguments != nil {
			b, err := json.Marshal(op.Arguments)
			if err != nil {
				return Output{}, fmt.Errorf("operation %q arguments: %w", id, err)
			}
			args = b
		}
		out.Operations = append(out.Operations, toolpool.Request{
			ID:        id,
			Name:      op.Name,
			Arguments: args,
			DependsOn: op.DependsOn,
		})
	}
	return out, nil
}
