package config

import "time"

// DefaultConfig returns the built-in configuration. It defines no workers or
// providers; those come from config files.
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxTaskFailures:     3,
			FailureRatio:        0.5,
			ReplanCeiling:       3,
			DecisionCorrections: 2,
			PlanRepairAttempts:  2,
			MaxToolRounds:       5,
			ToolHistoryWindow:   20,
			MaxSteps:            200,
		},
		WorkerRetry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			CallTimeout: 2 * time.Minute,
		},
		ToolPool: ToolPoolConfig{
			Parallel:     true,
			MinParallel:  2,
			BatchTimeout: 30 * time.Second,
			CoreSize:     4,
			MaxSize:      8,
			QueueSize:    100,
			KeepAlive:    time.Minute,
		},
		Session: SessionConfig{
			TTL:              45 * time.Minute,
			ToolHistoryLimit: 100,
			DedupeSize:       1024,
		},
		Workers: map[string]WorkerConfig{},
		Roles: RolesConfig{
			Planner:   "planner",
			Scheduler: "scheduler",
		},
		Providers: map[string]ProviderConfig{},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}
