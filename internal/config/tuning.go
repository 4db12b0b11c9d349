package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the hot-reloadable portion of configuration: the values an
// offline learning pass is allowed to adjust between sessions. It never
// touches the safety gate, and every reload is validated before the live
// values are swapped.
type Tuning struct {
	// StrategyOverrides remaps strategy-table cells. Keys are the table's
	// bucket keys ("high_energy/low_load" etc.); values must be one of
	// FACILITATE, CONFRONT, REINFORCE.
	StrategyOverrides map[string]string `yaml:"strategy_overrides"`

	// Breaker threshold adjustments. Zero values mean "keep current".
	BreakerNegativeThreshold int      `yaml:"breaker_negative_threshold"`
	BreakerCoolDown          Duration `yaml:"breaker_cool_down"`

	// UserCeilings maps user id to a per-user escalation ceiling (0..2).
	UserCeilings map[string]int `yaml:"user_ceilings"`
}

// knownStrategies guards tuning files against typos.
var knownStrategies = map[string]bool{
	"FACILITATE": true,
	"CONFRONT":   true,
	"REINFORCE":  true,
}

// Validate rejects tuning files that would put the engine in an illegal
// state. Invalid tuning is discarded wholesale; the previous values stay
// live.
func (t *Tuning) Validate() error {
	for key, strat := range t.StrategyOverrides {
		if !knownStrategies[strat] {
			return fmt.Errorf("tuning: unknown strategy %q for bucket %q", strat, key)
		}
	}
	if t.BreakerNegativeThreshold < 0 {
		return fmt.Errorf("tuning: breaker_negative_threshold must be >= 0, got %d", t.BreakerNegativeThreshold)
	}
	if t.BreakerCoolDown.Value() < 0 {
		return fmt.Errorf("tuning: breaker_cool_down must be >= 0")
	}
	for user, ceiling := range t.UserCeilings {
		if ceiling < 0 || ceiling > 2 {
			return fmt.Errorf("tuning: ceiling for user %q must be 0..2, got %d", user, ceiling)
		}
	}
	return nil
}

// LoadTuning reads and validates a tuning file. A missing file yields an
// empty Tuning, not an error.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Tuning{}, nil
		}
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
