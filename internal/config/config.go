package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all failsift configuration. Loaded once at startup; the
// pipeline treats it as immutable afterwards.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Monitoring thresholds
	Thresholds ThresholdConfig `yaml:"thresholds"`

	// Pattern matching
	Matching MatchingConfig `yaml:"matching"`

	// Report rules
	Rules RulesConfig `yaml:"rules"`

	// Artifact collection
	Artifacts ArtifactConfig `yaml:"artifacts"`

	// Mutation testing
	Mutation MutationConfig `yaml:"mutation"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ThresholdConfig configures the test monitor's breach detection.
type ThresholdConfig struct {
	MaxDuration         string  `yaml:"max_duration"`         // per-execution wall clock
	MaxMemoryMB         float64 `yaml:"max_memory_mb"`        // peak RSS
	MaxCPUPercent       float64 `yaml:"max_cpu_percent"`      // peak CPU
	FailureRate         float64 `yaml:"failure_rate"`         // over the rolling window, in [0,1]
	FailureRateWindow   int     `yaml:"failure_rate_window"`  // executions per window
	ConsecutiveFailures int     `yaml:"consecutive_failures"` // counter value that fires
	AlertCooldown       string  `yaml:"alert_cooldown"`       // per (test, threshold) pair
}

// MatchingConfig configures the pattern matcher.
type MatchingConfig struct {
	// Minimum similarity score to attach a failure to an existing pattern.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// Weight of the stack-frame distance vs message token overlap, in [0,1].
	FrameWeight float64 `yaml:"frame_weight"`

	// Sliding window for trend-slope regression, in days.
	TrendWindowDays int `yaml:"trend_window_days"`

	// Occurrences/day slope above which a pattern is flagged trending.
	TrendSlopeRate float64 `yaml:"trend_slope_rate"`
}

// Rule is one (predicate, outcome) pair. Predicates match on test name
// and/or message substring; the first matching rule in the list wins.
type Rule struct {
	TestNameContains string `yaml:"test_name_contains,omitempty"`
	MessageContains  string `yaml:"message_contains,omitempty"`
	Outcome          string `yaml:"outcome"`
}

// RulesConfig holds the ordered priority and auto-assignment rule lists.
type RulesConfig struct {
	Priority        []Rule `yaml:"priority"`
	DefaultPriority string `yaml:"default_priority"`

	Assignment      []Rule `yaml:"assignment"`
	DefaultAssignee string `yaml:"default_assignee"`

	// Trend aggregation window for new-vs-recurring ratios.
	TrendWindow string `yaml:"trend_window"`
}

// ArtifactConfig configures the background collection queue.
type ArtifactConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	LogTailLines  int    `yaml:"log_tail_lines"`
	DrainGrace    string `yaml:"drain_grace"`    // grace period on Stop
	RetentionDays int    `yaml:"retention_days"` // housekeeping cutoff
}

// MutationConfig configures the mutation tester.
type MutationConfig struct {
	Concurrency int      `yaml:"concurrency"`
	TestTimeout string   `yaml:"test_timeout"`
	Operators   []string `yaml:"operators"` // arithmetic, comparison, boolean, constant
	MaxMutants  int      `yaml:"max_mutants"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SpillPath    string `yaml:"spill_path"` // durable queue for failed writes
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "failsift",
		Version: "0.3.0",

		Thresholds: ThresholdConfig{
			MaxDuration:         "300s",
			MaxMemoryMB:         1024,
			MaxCPUPercent:       90,
			FailureRate:         0.5,
			FailureRateWindow:   10,
			ConsecutiveFailures: 3,
			AlertCooldown:       "5m",
		},

		Matching: MatchingConfig{
			ScoreThreshold:  0.85,
			FrameWeight:     0.6,
			TrendWindowDays: 14,
			TrendSlopeRate:  1.0,
		},

		Rules: RulesConfig{
			DefaultPriority: "medium",
			DefaultAssignee: "",
			TrendWindow:     "24h",
		},

		Artifacts: ArtifactConfig{
			QueueSize:     64,
			LogTailLines:  200,
			DrainGrace:    "5s",
			RetentionDays: 30,
		},

		Mutation: MutationConfig{
			Concurrency: 4,
			TestTimeout: "120s",
			Operators:   []string{"arithmetic", "comparison", "boolean", "constant"},
			MaxMutants:  200,
		},

		Storage: StorageConfig{
			DatabasePath: "data/failsift.db",
			SpillPath:    "data/failsift.spill.jsonl",
			MaxRetries:   3,
			RetryBackoff: "100ms",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("FAILSIFT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if v := os.Getenv("FAILSIFT_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Matching.ScoreThreshold = f
		}
	}
	if v := os.Getenv("FAILSIFT_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Thresholds.ConsecutiveFailures = n
		}
	}
	if v := os.Getenv("FAILSIFT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetMaxDuration returns the max-duration threshold as a duration.
func (c *Config) GetMaxDuration() time.Duration {
	d, err := time.ParseDuration(c.Thresholds.MaxDuration)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// GetAlertCooldown returns the per-(test, threshold) alert cooldown.
func (c *Config) GetAlertCooldown() time.Duration {
	d, err := time.ParseDuration(c.Thresholds.AlertCooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetDrainGrace returns the artifact queue drain grace period.
func (c *Config) GetDrainGrace() time.Duration {
	d, err := time.ParseDuration(c.Artifacts.DrainGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetMutationTimeout returns the per-mutant test timeout.
func (c *Config) GetMutationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Mutation.TestTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetRetryBackoff returns the base backoff between store write retries.
func (c *Config) GetRetryBackoff() time.Duration {
	d, err := time.ParseDuration(c.Storage.RetryBackoff)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetTrendWindow returns the report trend aggregation window.
func (c *Config) GetTrendWindow() time.Duration {
	d, err := time.ParseDuration(c.Rules.TrendWindow)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ValidPriorities lists the accepted priority outcomes.
var ValidPriorities = []string{"low", "medium", "high", "critical"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Matching.ScoreThreshold <= 0 || c.Matching.ScoreThreshold > 1 {
		return fmt.Errorf("matching.score_threshold must be in (0,1]: %v", c.Matching.ScoreThreshold)
	}
	if c.Thresholds.FailureRate < 0 || c.Thresholds.FailureRate > 1 {
		return fmt.Errorf("thresholds.failure_rate must be in [0,1]: %v", c.Thresholds.FailureRate)
	}
	if c.Thresholds.ConsecutiveFailures < 1 {
		return fmt.Errorf("thresholds.consecutive_failures must be >= 1: %d", c.Thresholds.ConsecutiveFailures)
	}
	if c.Artifacts.QueueSize < 1 {
		return fmt.Errorf("artifacts.queue_size must be >= 1: %d", c.Artifacts.QueueSize)
	}
	if c.Mutation.Concurrency < 1 {
		return fmt.Errorf("mutation.concurrency must be >= 1: %d", c.Mutation.Concurrency)
	}
	if !validOutcome(c.Rules.DefaultPriority, ValidPriorities) {
		return fmt.Errorf("rules.default_priority invalid: %s (valid: %v)", c.Rules.DefaultPriority, ValidPriorities)
	}
	for i, r := range c.Rules.Priority {
		if !validOutcome(r.Outcome, ValidPriorities) {
			return fmt.Errorf("rules.priority[%d].outcome invalid: %s (valid: %v)", i, r.Outcome, ValidPriorities)
		}
	}
	return nil
}

func validOutcome(v string, valid []string) bool {
	for _, p := range valid {
		if v == p {
			return true
		}
	}
	return false
}
