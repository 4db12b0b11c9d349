package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Frame.Budget = 2048
	cfg.Nudge.GentleToSarcastic = Minutes(20)
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, loaded.DataDir)
	assert.Equal(t, 2048, loaded.Frame.Budget)
	assert.Equal(t, 20*time.Minute, loaded.Nudge.GentleToSarcastic.Value())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Frame.Budget, cfg.Frame.Budget)
}

func TestDurationYAMLForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
data_dir: /tmp/tether-test
nudge:
  gentle_to_sarcastic: 30m
  sarcastic_to_sergeant: 2700
  min_interval: 10m
  default_ceiling: 2
`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Nudge.GentleToSarcastic.Value(), "duration string form")
	assert.Equal(t, 45*time.Minute, cfg.Nudge.SarcasticToSergeant.Value(), "bare seconds form")
}

func TestInvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("data_dir: /tmp/x\nnudge:\n  min_interval: soon\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TETHER_DATA_DIR", "/srv/tether")
	t.Setenv("TETHER_EMBEDDING_PROVIDER", "ollama")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/tether", cfg.DataDir)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, filepath.Join("/srv/tether", "tether.db"), cfg.DatabasePath())
}

func TestValidateRejectsBadBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Frame.Budget = 0
	assert.Error(t, cfg.Validate())
}

func TestTuningValidate(t *testing.T) {
	cases := []struct {
		name    string
		tuning  Tuning
		wantErr bool
	}{
		{"empty", Tuning{}, false},
		{"valid override", Tuning{StrategyOverrides: map[string]string{"high_energy/low_load": "REINFORCE"}}, false},
		{"unknown strategy", Tuning{StrategyOverrides: map[string]string{"high_energy/low_load": "BERATE"}}, true},
		{"negative threshold", Tuning{BreakerNegativeThreshold: -1}, true},
		{"ceiling too high", Tuning{UserCeilings: map[string]int{"u1": 3}}, true},
		{"ceiling in range", Tuning{UserCeilings: map[string]int{"u1": 2}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tuning.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := []byte(`
strategy_overrides:
  low_energy/high_load: FACILITATE
breaker_negative_threshold: 5
breaker_cool_down: 1h
user_ceilings:
  fragile-user: 0
`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 5, tuning.BreakerNegativeThreshold)
	assert.Equal(t, time.Hour, tuning.BreakerCoolDown.Value())
	assert.Equal(t, 0, tuning.UserCeilings["fragile-user"])
}

func TestLoadTuningMissingFile(t *testing.T) {
	tuning, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, tuning.StrategyOverrides)
	assert.Zero(t, tuning.BreakerNegativeThreshold)
}

func TestLoadTuningRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := []byte("strategy_overrides:\n  high_energy/low_load: SHAME\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err := LoadTuning(path)
	require.Error(t, err)
}
