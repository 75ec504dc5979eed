// Package model defines the data structures for ailoop's configuration,
// run state, and persisted records.
package model

type Config struct {
	Tracker  TrackerConfig  `yaml:"tracker"`
	Runners  RunnersConfig  `yaml:"runners"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Approval ApprovalConfig `yaml:"approval"`
	Batch    BatchConfig    `yaml:"batch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TrackerConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"` // AILOOP_TRACKER_API_KEY overrides
	TimeoutSec int    `yaml:"timeout_sec"`
}

type RunnersConfig struct {
	PlannerCmd          string `yaml:"planner_cmd"`
	CriticCmd           string `yaml:"critic_cmd"`
	PlanTimeoutSec      int    `yaml:"plan_timeout_sec"`
	ImplementTimeoutSec int    `yaml:"implement_timeout_sec"`
	CritiqueTimeoutSec  int    `yaml:"critique_timeout_sec"`
}

type PipelineConfig struct {
	DryRun              bool         `yaml:"dry_run"`
	MaxPlanIterations   int          `yaml:"max_plan_iterations"`
	ConfidenceThreshold int          `yaml:"confidence_threshold"`
	StablePasses        int          `yaml:"stable_passes"`
	UseWorktree         bool         `yaml:"use_worktree"`
	ApprovalMode        ApprovalMode `yaml:"approval_mode"`
	NoWriteback         bool         `yaml:"no_writeback"`
}

type ApprovalConfig struct {
	PollIntervalSec     int `yaml:"poll_interval_sec"`
	SlowPollIntervalSec int `yaml:"slow_poll_interval_sec"`
	SlowAfterSec        int `yaml:"slow_after_sec"`
	TimeoutMin          int `yaml:"timeout_min"`
}

type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued fields in one place so callers never
// branch on missing configuration.
func ApplyDefaults(cfg Config) Config {
	if cfg.Tracker.Endpoint == "" {
		cfg.Tracker.Endpoint = "https://api.linear.app/graphql"
	}
	if cfg.Tracker.TimeoutSec <= 0 {
		cfg.Tracker.TimeoutSec = 60
	}
	if cfg.Runners.PlannerCmd == "" {
		cfg.Runners.PlannerCmd = "claude"
	}
	if cfg.Runners.CriticCmd == "" {
		cfg.Runners.CriticCmd = "codex"
	}
	if cfg.Runners.PlanTimeoutSec <= 0 {
		cfg.Runners.PlanTimeoutSec = 300
	}
	if cfg.Runners.ImplementTimeoutSec <= 0 {
		cfg.Runners.ImplementTimeoutSec = 600
	}
	if cfg.Runners.CritiqueTimeoutSec <= 0 {
		cfg.Runners.CritiqueTimeoutSec = 300
	}
	if cfg.Pipeline.MaxPlanIterations <= 0 {
		cfg.Pipeline.MaxPlanIterations = 5
	}
	if cfg.Pipeline.ConfidenceThreshold <= 0 {
		cfg.Pipeline.ConfidenceThreshold = 97
	}
	if cfg.Pipeline.StablePasses <= 0 {
		cfg.Pipeline.StablePasses = 2
	}
	if cfg.Pipeline.ApprovalMode == "" {
		cfg.Pipeline.ApprovalMode = ApprovalAuto
	}
	if cfg.Approval.PollIntervalSec <= 0 {
		cfg.Approval.PollIntervalSec = 2
	}
	if cfg.Approval.SlowPollIntervalSec <= 0 {
		cfg.Approval.SlowPollIntervalSec = 5
	}
	if cfg.Approval.SlowAfterSec <= 0 {
		cfg.Approval.SlowAfterSec = 60
	}
	if cfg.Approval.TimeoutMin <= 0 {
		cfg.Approval.TimeoutMin = 30
	}
	if cfg.Batch.MaxConcurrent <= 0 {
		cfg.Batch.MaxConcurrent = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}
