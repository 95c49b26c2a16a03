package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aristath/taskflow/internal/process"
)

// Agent CLIs supported by AgentWorker.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGoose  = "goose"
)

// AgentConfig describes a coding-agent CLI used as a worker.
type AgentConfig struct {
	Kind         string // claude, codex or goose
	Binary       string // Defaults to Kind
	WorkDir      string
	Env          []string
	Model        string
	Provider     string // Goose only: ollama, lmstudio, llama.cpp, ...
	SystemPrompt string
}

// AgentWorker runs one non-interactive agent CLI invocation per request. The
// conversation is rendered into a single prompt, so the worker holds no
// agent-side session and can serve any number of sessions.
type AgentWorker struct {
	cfg     AgentConfig
	procMgr *process.Manager
}

// NewAgentWorker creates an agent worker. The process manager is optional.
func NewAgentWorker(cfg AgentConfig, pm *process.Manager) (*AgentWorker, error) {
	switch cfg.Kind {
	case AgentClaude, AgentCodex, AgentGoose:
	default:
		return nil, fmt.Errorf("unknown agent type: %q", cfg.Kind)
	}
	if cfg.Binary == "" {
		cfg.Binary = cfg.Kind
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	return &AgentWorker{cfg: cfg, procMgr: pm}, nil
}

// Execute runs the agent and returns its reply. A reply shaped like an Output
// object may request tool operations, as with CommandWorker.
func (w *AgentWorker) Execute(ctx context.Context, messages []Message) (Output, error) {
	cmd := process.Command(ctx, w.cfg.Binary, w.buildArgs(renderPrompt(messages))...)
	cmd.Dir = w.cfg.WorkDir
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}

	stdout, stderr, err := process.Run(cmd, nil, w.procMgr)
	if err != nil {
		return Output{}, fmt.Errorf("%s command failed: %w", w.cfg.Kind, err)
	}

	var text string
	switch w.cfg.Kind {
	case AgentClaude:
		text, err = parseClaudeOutput(stdout)
	case AgentCodex:
		text, err = parseCodexEvents(stdout)
	case AgentGoose:
		text = parseGooseOutput(stdout, stderr)
	}
	if err != nil {
		return Output{}, fmt.Errorf("failed to parse %s output: %w (stderr: %s)", w.cfg.Kind, err, bytes.TrimSpace(stderr))
	}
	return parseCommandOutput([]byte(text)), nil
}

// buildArgs constructs the non-interactive command line for the agent.
func (w *AgentWorker) buildArgs(prompt string) []string {
	var args []string
	switch w.cfg.Kind {
	case AgentClaude:
		args = []string{"-p", prompt, "--output-format", "json"}
		if w.cfg.SystemPrompt != "" {
			args = append(args, "--system-prompt", w.cfg.SystemPrompt)
		}
	case AgentCodex:
		if w.cfg.SystemPrompt != "" {
			prompt = w.cfg.SystemPrompt + "\n\n" + prompt
		}
		args = []string{"exec", prompt, "--json"}
	case AgentGoose:
		args = []string{"run", "--text", prompt, "--output-format", "json"}
		if w.cfg.Provider != "" {
			args = append(args, "--provider", w.cfg.Provider)
		}
		if w.cfg.SystemPrompt != "" {
			args = append(args, "--system", w.cfg.SystemPrompt)
		}
	}
	if w.cfg.Model != "" {
		args = append(args, "--model", w.cfg.Model)
	}
	return args
}

// renderPrompt flattens a conversation into one prompt. System messages come
// first, followed by the transcript in order.
func renderPrompt(messages []Message) string {
	var sys, transcript []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		label := m.Role
		if m.Name != "" {
			label += " (" + m.Name + ")"
		}
		transcript = append(transcript, "["+label+"]\n"+m.Content)
	}

	var b strings.Builder
	if len(sys) > 0 {
		b.WriteString(strings.Join(sys, "\n\n"))
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(transcript, "\n\n"))
	return b.String()
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Older releases nest content blocks under result; current ones print a string.
type claudeResponse struct {
	Result  json.RawMessage `json:"result"`
	IsError bool            `json:"is_error"`
}

func parseClaudeOutput(data []byte) (string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err != nil {
		var nested struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(cr.Result, &nested); err != nil {
			return "", fmt.Errorf("unexpected result shape: %w", err)
		}
		for _, item := range nested.Content {
			if item.Type == "text" {
				text += item.Text
			}
		}
	}
	if cr.IsError {
		return "", fmt.Errorf("agent reported an error: %s", text)
	}
	return text, nil
}

// parseCodexEvents reads the newline-delimited event stream of `codex exec
// --json` and returns the content of the last completed turn.
func parseCodexEvents(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var content string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &evt); err != nil {
			return "", fmt.Errorf("failed to parse event: %w", err)
		}
		if evt.Type == "TurnCompleted" {
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}
	return content, nil
}

// parseGooseOutput accepts a JSON object, newline-delimited JSON objects, or
// plain text, in that order.
func parseGooseOutput(stdout, stderr []byte) string {
	type gooseResponse struct {
		Content string `json:"content"`
	}

	var single gooseResponse
	if err := json.Unmarshal(stdout, &single); err == nil {
		return single.Content
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r gooseResponse
		if json.Unmarshal([]byte(line), &r) == nil && r.Content != "" {
			contents = append(contents, r.Content)
		}
	}
	if len(contents) > 0 {
		return strings.Join(contents, "\n")
	}

	text := string(stdout)
	if len(bytes.TrimSpace(stderr)) > 0 {
		text += "\n[stderr]: " + string(stderr)
	}
	return text
}
