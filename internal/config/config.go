// Package config loads and validates the YAML configuration file read once
// at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FailMode is the policy applied when LLM evaluation fails or times out.
type FailMode string

const (
	// FailOpen allows the request when the LLM is unavailable.
	FailOpen FailMode = "open"
	// FailClosed blocks the request when the LLM is unavailable.
	FailClosed FailMode = "closed"
)

// Config is the full process configuration.
type Config struct {
	WAF           WAFConfig           `yaml:"waf"`
	LLM           LLMConfig           `yaml:"llm"`
	Cache         CacheConfig         `yaml:"cache"`
	Storage       StorageConfig       `yaml:"storage"`
	Learner       LearnerConfig       `yaml:"learner"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// WAFConfig configures the HTTP frontend.
type WAFConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	UpstreamURL      string   `yaml:"upstream_url"`
	RequestTimeoutMS uint64   `yaml:"request_timeout_ms"`
	FailMode         FailMode `yaml:"fail_mode"`
}

// RequestTimeout returns the per-request deadline for the proxy handler.
func (c WAFConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// LLMConfig configures the model provider binding.
type LLMConfig struct {
	Provider           string  `yaml:"provider"`
	BaseURL            string  `yaml:"base_url"`
	Model              string  `yaml:"model"`
	JudgeTimeoutMS     uint64  `yaml:"judge_timeout_ms"`
	JudgeMaxTokens     int     `yaml:"judge_max_tokens"`
	JudgeTemperature   float64 `yaml:"judge_temperature"`
	LearnerMaxTokens   int     `yaml:"learner_max_tokens"`
	LearnerTemperature float64 `yaml:"learner_temperature"`
}

// JudgeTimeout returns the deadline for one judge_request call.
func (c LLMConfig) JudgeTimeout() time.Duration {
	return time.Duration(c.JudgeTimeoutMS) * time.Millisecond
}

// CacheConfig configures the Redis verdict cache.
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url"`
	TTLSeconds uint64 `yaml:"ttl_seconds"`
	Enabled    bool   `yaml:"enabled"`
}

// TTL returns the verdict time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StorageConfig holds on-disk paths.
type StorageConfig struct {
	LogsDBPath   string `yaml:"logs_db_path"`
	RulebookPath string `yaml:"rulebook_path"`
}

// LearnerConfig configures the periodic learning worker.
type LearnerConfig struct {
	BatchIntervalMinutes uint64 `yaml:"batch_interval_minutes"`
	MinFlaggedRequests   int    `yaml:"min_flagged_requests"`
	Enabled              bool   `yaml:"enabled"`
}

// BatchInterval returns the learner tick interval.
func (c LearnerConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMinutes) * time.Minute
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required strings are non-empty and durations positive.
func (c *Config) Validate() error {
	if c.WAF.ListenAddr == "" {
		return fmt.Errorf("waf.listen_addr cannot be empty")
	}
	if c.WAF.UpstreamURL == "" {
		return fmt.Errorf("waf.upstream_url cannot be empty")
	}
	if c.WAF.RequestTimeoutMS == 0 {
		return fmt.Errorf("waf.request_timeout_ms must be greater than 0")
	}
	switch c.WAF.FailMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("waf.fail_mode must be %q or %q, got %q", FailOpen, FailClosed, c.WAF.FailMode)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model cannot be empty")
	}
	if c.LLM.JudgeTimeoutMS == 0 {
		return fmt.Errorf("llm.judge_timeout_ms must be greater than 0")
	}
	if c.Cache.Enabled && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url cannot be empty when cache is enabled")
	}
	if c.Storage.LogsDBPath == "" {
		return fmt.Errorf("storage.logs_db_path cannot be empty")
	}
	if c.Storage.RulebookPath == "" {
		return fmt.Errorf("storage.rulebook_path cannot be empty")
	}
	if c.Learner.Enabled && c.Learner.BatchIntervalMinutes == 0 {
		return fmt.Errorf("learner.batch_interval_minutes must be greater than 0")
	}
	return nil
}
