package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/utils"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv(envPrefix+"CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Cooldown.Window)
	assert.False(t, cfg.Cooldown.FailOpen)
	assert.Equal(t, 2.0, cfg.Telemetry.Sensitivity)
	assert.Equal(t, 0.7, cfg.Triage.ConfidenceThreshold)
	require.Len(t, cfg.Risk.ChangeWindows, 1)
	assert.Equal(t, ChangeWindow{Day: "friday", StartHour: 16, EndHour: 23}, cfg.Risk.ChangeWindows[0])
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "responder.yaml")
	yamlDoc := `
cooldown:
  window: 10m
telemetry:
  sensitivity: 3
risk:
  changeWindows:
    - day: sat
      startHour: 0
      endHour: 24
store:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv(envPrefix+"COOLDOWN_FAIL_OPEN", "true")
	t.Setenv(envPrefix+"SEVERITY_FLOOR", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Cooldown.Window)
	assert.True(t, cfg.Cooldown.FailOpen)
	assert.Equal(t, 3.0, cfg.Telemetry.Sensitivity)
	assert.Equal(t, 4, cfg.Triage.SeverityFloor)
	assert.Equal(t, "sat", cfg.Risk.ChangeWindows[0].Day)
}

func TestLoadRejectsUnknownOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  retries: 3\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateCrossFieldRules(t *testing.T) {
	cases := map[string]func(*Config){
		"stage timeout above pipeline": func(c *Config) { c.Pipeline.StageTimeout = 10 * time.Minute },
		"unknown weekday":              func(c *Config) { c.Risk.ChangeWindows = []ChangeWindow{{Day: "caturday", StartHour: 1, EndHour: 2}} },
		"inverted window":              func(c *Config) { c.Risk.ChangeWindows = []ChangeWindow{{Day: "mon", StartHour: 9, EndHour: 9}} },
		"bad blast radius":             func(c *Config) { c.Risk.BlastRadius = map[string]string{"ec2": "planetary"} },
		"bad sensitivity":              func(c *Config) { c.Telemetry.Sensitivity = 0 },
		"cache without addr":           func(c *Config) { c.Cache.Enabled = true },
		"bad timezone":                 func(c *Config) { c.Risk.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, "config.validate", utils.ErrorOp(err))
		})
	}
}

func TestParseWeekday(t *testing.T) {
	wd, ok := ParseWeekday("Friday")
	require.True(t, ok)
	assert.Equal(t, time.Friday, wd)

	wd, ok = ParseWeekday("sun")
	require.True(t, ok)
	assert.Equal(t, time.Sunday, wd)

	_, ok = ParseWeekday("x")
	assert.False(t, ok)
}
