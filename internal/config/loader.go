package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and layers configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.taskflow/config.yaml
// Project: .taskflow/config.yaml (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskflow", "config.yaml"), filepath.Join(".taskflow", "config.yaml"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile decodes a YAML file on top of base. Scalars and sections
// present in the file replace the current values; map entries (workers,
// providers) are added or replaced per key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if base.Workers == nil {
		base.Workers = map[string]WorkerConfig{}
	}
	if base.Providers == nil {
		base.Providers = map[string]ProviderConfig{}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	l := c.Limits
	switch {
	case l.MaxTaskFailures < 1:
		return fmt.Errorf("limits.max_task_failures must be at least 1")
	case l.FailureRatio <= 0 || l.FailureRatio > 1:
		return fmt.Errorf("limits.failure_ratio must be in (0, 1]")
	case l.ReplanCeiling < 0:
		return fmt.Errorf("limits.replan_ceiling must not be negative")
	case l.DecisionCorrections < 0 || l.PlanRepairAttempts < 0:
		return fmt.Errorf("limits: correction attempts must not be negative")
	case l.MaxToolRounds < 1:
		return fmt.Errorf("limits.max_tool_rounds must be at least 1")
	case l.MaxSteps < 1:
		return fmt.Errorf("limits.max_steps must be at least 1")
	}

	if c.WorkerRetry.MaxAttempts < 1 {
		return fmt.Errorf("worker_retry.max_attempts must be at least 1")
	}
	if c.ToolPool.CoreSize < 1 || c.ToolPool.MaxSize < c.ToolPool.CoreSize {
		return fmt.Errorf("tool_pool: need 1 <= core_size <= max_size")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	if c.Roles.Planner == "" || c.Roles.Scheduler == "" {
		return fmt.Errorf("roles.planner and roles.scheduler are required")
	}
	for name, w := range c.Workers {
		switch w.Agent {
		case "":
			if w.Command == "" {
				return fmt.Errorf("workers.%s: command or agent is required", name)
			}
		case "claude", "codex", "goose":
		default:
			return fmt.Errorf("workers.%s: unknown agent %q", name, w.Agent)
		}
	}

	for name, p := range c.Providers {
		switch p.Transport {
		case "http":
			if p.URL == "" {
				return fmt.Errorf("providers.%s: url is required for http transport", name)
			}
		case "stdio":
			if p.Command == "" {
				return fmt.Errorf("providers.%s: command is required for stdio transport", name)
			}
		default:
			return fmt.Errorf("providers.%s: unknown transport %q", name, p.Transport)
		}
		switch p.Mode {
		case "", "standard", "batch":
		default:
			return fmt.Errorf("providers.%s: unknown mode %q", name, p.Mode)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// TaskWorkers returns the configured workers that can be assigned tasks,
// excluding the role workers.
func (c *Config) TaskWorkers() map[string]WorkerConfig {
	out := make(map[string]WorkerConfig, len(c.Workers))
	for name, w := range c.Workers {
		if c.IsRole(name) {
			continue
		}
		out[name] = w
	}
	return out
}

// IsRole reports whether name is the planner, scheduler or summary worker.
func (c *Config) IsRole(name string) bool {
	return name == c.Roles.Planner || name == c.Roles.Scheduler || (c.Roles.Summary != "" && name == c.Roles.Summary)
}
