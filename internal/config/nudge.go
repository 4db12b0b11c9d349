package config

import "fmt"

// NudgeConfig configures escalation timing and ceilings.
type NudgeConfig struct {
	// GentleToSarcastic is how long a task may sit without a positive
	// progress signal before the tier rises from GENTLE.
	GentleToSarcastic Duration `yaml:"gentle_to_sarcastic"`

	// SarcasticToSergeant is the further interval before SERGEANT.
	SarcasticToSergeant Duration `yaml:"sarcastic_to_sergeant"`

	// MinInterval is the minimum spacing between nudges for one task.
	MinInterval Duration `yaml:"min_interval"`

	// ResponseWindow is how long a dispatched nudge waits for a follow-up
	// event before its outcome is recorded as timed out.
	ResponseWindow Duration `yaml:"response_window"`

	// DefaultCeiling caps escalation for users with no explicit ceiling.
	// 0 = GENTLE, 1 = SARCASTIC, 2 = SERGEANT.
	DefaultCeiling int `yaml:"default_ceiling"`
}

// DefaultNudgeConfig returns escalation defaults.
func DefaultNudgeConfig() NudgeConfig {
	return NudgeConfig{
		GentleToSarcastic:   Minutes(30),
		SarcasticToSergeant: Minutes(45),
		MinInterval:         Minutes(10),
		ResponseWindow:      Minutes(15),
		DefaultCeiling:      2,
	}
}

// Validate checks nudge settings.
func (c NudgeConfig) Validate() error {
	if c.GentleToSarcastic.Value() <= 0 {
		return fmt.Errorf("nudge: gentle_to_sarcastic must be positive")
	}
	if c.SarcasticToSergeant.Value() <= 0 {
		return fmt.Errorf("nudge: sarcastic_to_sergeant must be positive")
	}
	if c.MinInterval.Value() <= 0 {
		return fmt.Errorf("nudge: min_interval must be positive")
	}
	if c.ResponseWindow.Value() <= 0 {
		return fmt.Errorf("nudge: response_window must be positive")
	}
	if c.DefaultCeiling < 0 || c.DefaultCeiling > 2 {
		return fmt.Errorf("nudge: default_ceiling must be 0..2, got %d", c.DefaultCeiling)
	}
	return nil
}

// EmbeddingConfig configures the vector embedding engine used to index the
// cold tier. Supports Ollama (local) and GenAI (cloud) backends; when no
// backend is reachable the cold tier degrades to keyword search.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "" (disabled).
	Provider string `yaml:"provider"`

	// Ollama configuration (local embedding server).
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI configuration (Google cloud embedding).
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// DefaultEmbeddingConfig returns embedding defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:       "",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}
