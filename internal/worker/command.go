package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/taskflow/internal/process"
)

// CommandConfig describes an external worker CLI.
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string // Extra KEY=VALUE entries appended to the environment
}

// CommandWorker runs an external CLI once per request. The conversation is
// written to stdin as {"messages": [...]}; stdout is either an Output JSON
// object or plain text.
type CommandWorker struct {
	cfg     CommandConfig
	procMgr *process.Manager
}

// NewCommandWorker creates a command worker. The process manager is optional.
func NewCommandWorker(cfg CommandConfig, pm *process.Manager) (*CommandWorker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	return &CommandWorker{cfg: cfg, procMgr: pm}, nil
}

type commandRequest struct {
	Messages []Message `json:"messages"`
}

// Execute runs the command and parses its output.
func (w *CommandWorker) Execute(ctx context.Context, messages []Message) (Output, error) {
	payload, err := json.Marshal(commandRequest{Messages: messages})
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := process.Command(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.WorkDir
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}

	stdout, _, err := process.Run(cmd, payload, w.procMgr)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", w.cfg.Command, err)
	}
	return parseCommandOutput(stdout), nil
}

// parseCommandOutput accepts an Output object; anything else is plain text.
func parseCommandOutput(data []byte) Output {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var raw map[string]json.RawMessage
		if json.Unmarshal(trimmed, &raw) == nil {
			_, hasText := raw["text"]
			_, hasOps := raw["operations"]
			if hasText || hasOps {
				var out Output
				if json.Unmarshal(trimmed, &out) == nil {
					return out
				}
			}
		}
	}
	return Output{Text: string(trimmed)}
}
