// Package toolpool executes batches of worker-requested tool calls, serially
// or on a bounded shared pool, and keeps the per-session execution history.
package toolpool

import (
	"context"
	"encoding/json"
	"time"
)

// ErrorPrefix starts the result text of every failed tool call.
const ErrorPrefix = "Error executing tool: "

// Request is one tool call requested by a worker.
type Request struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	DependsOn []string        `json:"dependsOn,omitempty"` // Request IDs that must finish first
}

// Result is the outcome of one Request. Failed calls carry error text.
type Result struct {
	RequestID string
	Name      string
	Text      string
	Success   bool
	Duration  time.Duration
}

// Executor performs a single tool call and returns its result text.
type Executor interface {
	ExecuteTool(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

func (f ExecutorFunc) ExecuteTool(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
