package config

import "fmt"

// SafetyConfig configures the stage-2 classifier call. Stage 1 (the
// deterministic pattern pass) takes no configuration at all: it cannot be
// weakened, widened, or disabled at runtime.
type SafetyConfig struct {
	// ClassifierTimeout is the hard timeout on the stage-2 classifier call.
	ClassifierTimeout Duration `yaml:"classifier_timeout"`

	// ClassifierThreshold is the score above which a classifier verdict
	// counts as a crisis.
	ClassifierThreshold float64 `yaml:"classifier_threshold"`
}

// DefaultSafetyConfig returns safety gate defaults.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		ClassifierTimeout:   Seconds(2),
		ClassifierThreshold: 0.85,
	}
}

// Validate checks safety settings.
func (c SafetyConfig) Validate() error {
	if c.ClassifierTimeout.Value() <= 0 {
		return fmt.Errorf("safety: classifier_timeout must be positive")
	}
	if c.ClassifierThreshold <= 0 || c.ClassifierThreshold > 1 {
		return fmt.Errorf("safety: classifier_threshold must be in (0,1], got %v", c.ClassifierThreshold)
	}
	return nil
}

// BreakerConfig configures the per-user circuit breaker.
type BreakerConfig struct {
	// NegativeThreshold opens the breaker once this many consecutive
	// negative outcomes land inside one rolling window.
	NegativeThreshold int `yaml:"negative_threshold"`

	// Window is the rolling period for counting consecutive negatives.
	Window Duration `yaml:"window"`

	// CoolDown is how long the breaker stays OPEN before probing.
	CoolDown Duration `yaml:"cool_down"`
}

// DefaultBreakerConfig returns breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		NegativeThreshold: 3,
		Window:            Hours(4),
		CoolDown:          Hours(2),
	}
}

// Validate checks breaker settings.
func (c BreakerConfig) Validate() error {
	if c.NegativeThreshold <= 0 {
		return fmt.Errorf("breaker: negative_threshold must be positive, got %d", c.NegativeThreshold)
	}
	if c.Window.Value() <= 0 {
		return fmt.Errorf("breaker: window must be positive")
	}
	if c.CoolDown.Value() <= 0 {
		return fmt.Errorf("breaker: cool_down must be positive")
	}
	return nil
}
