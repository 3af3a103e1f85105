// Package config loads the engine configuration from YAML with defaults,
// validation, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentgov/agentgov/internal/evaluation"
)

// Config is the root configuration for the governance engine.
type Config struct {
	// Store configures the durable decision store.
	Store StoreConfig `yaml:"store"`

	// Policy configures the constitutional-compliance client.
	Policy PolicyConfig `yaml:"policy"`

	// Audit configures the remote audit sink.
	Audit AuditConfig `yaml:"audit"`

	// Deploy configures the agent runtime deployment endpoint.
	Deploy DeployConfig `yaml:"deploy"`

	// Evaluation configures criterion weights and recommendation thresholds.
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Review configures the human-review SLA sweep.
	Review ReviewConfig `yaml:"review"`

	// Metrics configures the prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

// PolicyConfig configures the policy engine client.
type PolicyConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`           // default 5s
	BreakerThreshold int           `yaml:"breaker_threshold"` // default 5
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`  // default 30s
	CacheTTL         time.Duration `yaml:"cache_ttl"`         // default 5m
}

// AuditConfig configures the remote audit sink.
type AuditConfig struct {
	Endpoint string        `yaml:"endpoint"` // empty: local mirror only
	Timeout  time.Duration `yaml:"timeout"`  // default 5s
}

// DeployConfig configures the deployment adapter.
type DeployConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"` // default 10s
}

// EvaluationConfig configures the evaluation engine.
type EvaluationConfig struct {
	Weights    evaluation.Weights    `yaml:"weights"`
	Thresholds evaluation.Thresholds `yaml:"thresholds"`
}

// ReviewConfig configures the SLA escalation sweep.
type ReviewConfig struct {
	// SweepSchedule is a standard cron expression. Empty disables the sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// PendingSLA is the pending age beyond which a task is escalated.
	PendingSLA time.Duration `yaml:"pending_sla"` // default 24h
}

// MetricsConfig configures prometheus exposition.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // empty disables the listener
	Namespace     string `yaml:"namespace"`      // default "agentgov"
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads YAML from path, applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "agentgov.db"
	}
	if cfg.Policy.Timeout <= 0 {
		cfg.Policy.Timeout = 5 * time.Second
	}
	if cfg.Policy.BreakerThreshold <= 0 {
		cfg.Policy.BreakerThreshold = 5
	}
	if cfg.Policy.BreakerCooldown <= 0 {
		cfg.Policy.BreakerCooldown = 30 * time.Second
	}
	if cfg.Policy.CacheTTL <= 0 {
		cfg.Policy.CacheTTL = 5 * time.Minute
	}
	if cfg.Audit.Timeout <= 0 {
		cfg.Audit.Timeout = 5 * time.Second
	}
	if cfg.Deploy.Timeout <= 0 {
		cfg.Deploy.Timeout = 10 * time.Second
	}
	zero := evaluation.Weights{}
	if cfg.Evaluation.Weights == zero {
		cfg.Evaluation.Weights = evaluation.DefaultWeights()
	}
	if cfg.Evaluation.Thresholds.AutoApprove == 0 {
		cfg.Evaluation.Thresholds.AutoApprove = evaluation.DefaultThresholds().AutoApprove
	}
	if cfg.Evaluation.Thresholds.FastTrack == 0 {
		cfg.Evaluation.Thresholds.FastTrack = evaluation.DefaultThresholds().FastTrack
	}
	if cfg.Review.PendingSLA <= 0 {
		cfg.Review.PendingSLA = 24 * time.Hour
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "agentgov"
	}
}

// applyEnvOverrides applies AGENTGOV_SECTION_FIELD environment variables.
// Environment always takes precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGOV_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTGOV_POLICY_ENDPOINT"); v != "" {
		cfg.Policy.Endpoint = v
	}
	if v := os.Getenv("AGENTGOV_POLICY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.Timeout = d
		}
	}
	if v := os.Getenv("AGENTGOV_POLICY_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.BreakerThreshold = n
		}
	}
	if v := os.Getenv("AGENTGOV_AUDIT_ENDPOINT"); v != "" {
		cfg.Audit.Endpoint = v
	}
	if v := os.Getenv("AGENTGOV_DEPLOY_ENDPOINT"); v != "" {
		cfg.Deploy.Endpoint = v
	}
	if v := os.Getenv("AGENTGOV_REVIEW_SWEEP_SCHEDULE"); v != "" {
		cfg.Review.SweepSchedule = v
	}
	if v := os.Getenv("AGENTGOV_METRICS_LISTEN_ADDRESS"); v != "" {
		cfg.Metrics.ListenAddress = v
	}
}

// Validate checks cross-field invariants.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Policy.Endpoint == "" {
		return fmt.Errorf("policy.endpoint must not be empty")
	}
	if cfg.Deploy.Endpoint == "" {
		return fmt.Errorf("deploy.endpoint must not be empty")
	}
	if err := cfg.Evaluation.Weights.Validate(); err != nil {
		return err
	}
	t := cfg.Evaluation.Thresholds
	if t.AutoApprove <= t.FastTrack {
		return fmt.Errorf("thresholds: auto_approve (%f) must exceed fast_track (%f)",
			t.AutoApprove, t.FastTrack)
	}
	if t.AutoApprove > 1 || t.FastTrack <= 0 {
		return fmt.Errorf("thresholds must lie in (0,1]")
	}
	return nil
}
