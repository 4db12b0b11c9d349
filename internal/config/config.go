// Package config holds all engine configuration. Values arrive from a YAML
// file plus environment overrides and are validated before use: invalid
// values are rejected with an error, not silently clamped, except where a
// clamp is explicitly documented on the field.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all tether configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is where the database, logs, and tuning files live.
	DataDir string `yaml:"data_dir"`

	// Memory tiers and consolidation
	Memory MemoryConfig `yaml:"memory"`

	// Frame assembly
	Frame FrameConfig `yaml:"frame"`

	// Safety gate
	Safety SafetyConfig `yaml:"safety"`

	// Circuit breaker
	Breaker BreakerConfig `yaml:"breaker"`

	// Nudge escalation
	Nudge NudgeConfig `yaml:"nudge"`

	// Action dispatch
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Embedding engine for the cold tier
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DispatchConfig configures action-dispatch retry behavior.
type DispatchConfig struct {
	// Timeout per dispatch attempt.
	Timeout Duration `yaml:"timeout"`

	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// Validate checks dispatch settings.
func (c DispatchConfig) Validate() error {
	if c.Timeout.Value() <= 0 {
		return fmt.Errorf("dispatch: timeout must be positive, got %v", c.Timeout.Value())
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("dispatch: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryBackoff.Value() <= 0 {
		return fmt.Errorf("dispatch: retry_backoff must be positive, got %v", c.RetryBackoff.Value())
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "tether",
		Version:   "0.4.0",
		DataDir:   ".tether",
		Memory:    DefaultMemoryConfig(),
		Frame:     DefaultFrameConfig(),
		Safety:    DefaultSafetyConfig(),
		Breaker:   DefaultBreakerConfig(),
		Nudge:     DefaultNudgeConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultDispatchConfig returns dispatch retry defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Timeout:      Seconds(10),
		MaxRetries:   2,
		RetryBackoff: Seconds(2),
	}
}

// Load loads configuration from a YAML file, falling back to defaults for
// a missing file, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every section. The first invalid value is returned as an
// error; nothing is mutated.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Frame.Validate(); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Nudge.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides pulls secrets and deployment knobs from the environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TETHER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TETHER_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("TETHER_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
}

// DatabasePath returns the SQLite path inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tether.db")
}

// TuningPath returns the path of the hot-reloadable tuning file.
func (c *Config) TuningPath() string {
	return filepath.Join(c.DataDir, "tuning.yaml")
}
