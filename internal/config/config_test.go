package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestApplyDefaultsFillsOnlyUnsetFields(t *testing.T) {
	cfg := &Config{}
	cfg.Tuning.MaxClusters = 42
	applyDefaults(cfg)

	assert.Equal(t, 42, cfg.Tuning.MaxClusters)
	assert.Equal(t, "full", cfg.View.View)
	assert.Equal(t, "info", cfg.App.LogLevel)
}

func TestValidateRejectsUnknownView(t *testing.T) {
	cfg := DefaultConfig()
	cfg.View.View = "nonsense"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "view")
}

func TestValidateAccumulatesMultipleViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.View.View = "bogus"
	cfg.View.Format = "xml"
	cfg.Tuning.MaxDepth = -1

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "view")
	assert.Contains(t, msg, "format")
	assert.Contains(t, msg, "max_depth")
}

func TestEnvironmentOverridesLogLevel(t *testing.T) {
	os.Setenv("LOGOSCOPE_LOG_LEVEL", "debug")
	defer os.Unsetenv("LOGOSCOPE_LOG_LEVEL")

	cfg := &Config{}
	applyEnvironmentOverrides(cfg)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoadWithoutFileAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.View.View)
}

func TestEngineConfigWiresTuning(t *testing.T) {
	cfg := DefaultConfig()
	ec := EngineConfig(cfg)
	assert.Equal(t, cfg.Tuning.MaxClusters, ec.Drain.MaxClusters)
	assert.Equal(t, cfg.Tuning.BurstMultiplier, ec.Temporal.BurstMultiplier)
	assert.Equal(t, cfg.Tuning.ResultCap, ec.QueryIndex.ResultCap)
}
