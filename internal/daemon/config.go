// Package daemon manages the PharmaQ daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	API          APIConfig          `toml:"api"`
	Queue        QueueConfig        `toml:"queue"`
	Workers      WorkersConfig      `toml:"workers"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
	Cache        CacheConfig        `toml:"cache"`
	LLM          LLMConfig          `toml:"llm"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Chains       []ChainConfig      `toml:"chains"`
	Logging      LoggingConfig      `toml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// QueueConfig controls delivery and retry behavior.
type QueueConfig struct {
	MaxRetries        int    `toml:"max_retries"`
	BaseDelay         string `toml:"base_delay"`
	MaxDelay          string `toml:"max_delay"`
	VisibilityTimeout string `toml:"visibility_timeout"`
}

// WorkersConfig controls the worker pool.
type WorkersConfig struct {
	Count       int    `toml:"count"`
	ExecTimeout string `toml:"exec_timeout"`
}

// RateLimitConfig controls the token buckets guarding the LLM endpoint.
type RateLimitConfig struct {
	Rate        float64 `toml:"rate"`
	Burst       int     `toml:"burst"`
	GlobalRate  float64 `toml:"global_rate"`
	GlobalBurst int     `toml:"global_burst"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Capacity      int    `toml:"capacity"`
	TTL           string `toml:"ttl"`
	SweepInterval string `toml:"sweep_interval"`
}

// LLMConfig points workers at the agent-execution endpoint. An empty BaseURL
// selects the deterministic mock executor.
type LLMConfig struct {
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	Timeout     string  `toml:"timeout"`
}

// OrchestratorConfig controls submission defaults.
type OrchestratorConfig struct {
	InitialRoles []string `toml:"initial_roles"`
}

// ChainConfig declares one follow-on rule: when the producer role completes,
// a task for the consumer role is enqueued.
type ChainConfig struct {
	Producer string `toml:"producer"`
	Consumer string `toml:"consumer"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// TelemetryConfig controls observability endpoints.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8431,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			BaseDelay:         "500ms",
			MaxDelay:          "30s",
			VisibilityTimeout: "2m",
		},
		Workers: WorkersConfig{
			Count:       max(2, runtime.NumCPU()/2),
			ExecTimeout: "60s",
		},
		RateLimit: RateLimitConfig{
			Rate:        5,
			Burst:       10,
			GlobalRate:  25,
			GlobalBurst: 50,
		},
		Cache: CacheConfig{
			Capacity:      1024,
			TTL:           "30m",
			SweepInterval: "1m",
		},
		LLM: LLMConfig{
			Model:       "llama3.2",
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     "90s",
		},
		Orchestrator: OrchestratorConfig{
			InitialRoles: []string{domain.RoleMarket},
		},
		Chains: []ChainConfig{
			{Producer: domain.RolePatent, Consumer: domain.RoleCompetitor},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads config from $PHARMAQ_HOME/config.toml, falling back to
// defaults when no file exists.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $PHARMAQ_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the PharmaQ data directory ($PHARMAQ_HOME or ~/.pharmaq).
func Home() string {
	if env := os.Getenv("PHARMAQ_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pharmaq")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
