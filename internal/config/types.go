package config

import "time"

// LimitsConfig bounds planning, scheduling and tool use within a run.
type LimitsConfig struct {
	MaxTaskFailures     int     `yaml:"max_task_failures"`    // Per-task failures that force a replan
	FailureRatio        float64 `yaml:"failure_ratio"`        // Plan-wide failed/total ratio that forces a replan
	ReplanCeiling       int     `yaml:"replan_ceiling"`       // Replans before the run gives up
	DecisionCorrections int     `yaml:"decision_corrections"` // Retries after a malformed scheduler decision
	PlanRepairAttempts  int     `yaml:"plan_repair_attempts"` // Retries after a malformed plan
	MaxToolRounds       int     `yaml:"max_tool_rounds"`      // Tool batches per dispatch
	ToolHistoryWindow   int     `yaml:"tool_history_window"`  // Tool records shown in prompts
	MaxSteps            int     `yaml:"max_steps"`            // Graph steps per run or resume
}

// RetryConfig controls worker invocation retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`   // Linear backoff step
	CallTimeout time.Duration `yaml:"call_timeout"` // Per attempt; zero disables
}

// ToolPoolConfig controls tool batch execution.
type ToolPoolConfig struct {
	Parallel     bool          `yaml:"parallel"`
	MinParallel  int           `yaml:"min_parallel"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	CoreSize     int           `yaml:"core_size"`
	MaxSize      int           `yaml:"max_size"`
	QueueSize    int           `yaml:"queue_size"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
}

// SessionConfig bounds the live sessions.
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"` // Defaults to a quarter of TTL
	MaxCheckpoints   int           `yaml:"max_checkpoints"`
	ToolHistoryLimit int           `yaml:"tool_history_limit"`
	DedupeSize       int           `yaml:"dedupe_size"`
	ArchivePath      string        `yaml:"archive_path,omitempty"` // SQLite archive; empty disables
}

// WorkerConfig defines a worker backed by an external command or a coding
// agent CLI. The map key is the worker's capability tag.
type WorkerConfig struct {
	Description  string   `yaml:"description"`
	Command      string   `yaml:"command,omitempty"`
	Agent        string   `yaml:"agent,omitempty"` // claude, codex or goose; replaces command
	Model        string   `yaml:"model,omitempty"`
	Provider     string   `yaml:"provider,omitempty"` // Goose model provider
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Args         []string `yaml:"args,omitempty"`
	WorkDir      string   `yaml:"work_dir,omitempty"`
	Env          []string `yaml:"env,omitempty"`
	Confirm      bool     `yaml:"confirm,omitempty"` // Ask the user before each run
}

// RolesConfig names the workers that plan, schedule and summarize. Role
// workers are never assigned tasks.
type RolesConfig struct {
	Planner   string `yaml:"planner"`
	Scheduler string `yaml:"scheduler"`
	Summary   string `yaml:"summary,omitempty"`
}

// ProviderConfig defines a JSON-RPC tool provider.
type ProviderConfig struct {
	Transport string            `yaml:"transport"` // "http" or "stdio"
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       []string          `yaml:"env,omitempty"`
	WorkDir   string            `yaml:"work_dir,omitempty"`
	Mode      string            `yaml:"mode,omitempty"`  // "standard" or "batch"
	Tools     []string          `yaml:"tools,omitempty"` // Routed here without asking the provider
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// LoggingConfig selects the log level, format and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`        // "text" or "json"
	Dir    string `yaml:"dir,omitempty"` // Log to Dir/taskflow.log instead of stderr
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the top-level configuration.
type Config struct {
	Limits      LimitsConfig              `yaml:"limits"`
	WorkerRetry RetryConfig               `yaml:"worker_retry"`
	ToolPool    ToolPoolConfig            `yaml:"tool_pool"`
	Session     SessionConfig             `yaml:"session"`
	Workers     map[string]WorkerConfig   `yaml:"workers"`
	Roles       RolesConfig               `yaml:"roles"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Logging     LoggingConfig             `yaml:"logging"`
	Metrics     MetricsConfig             `yaml:"metrics"`
}
