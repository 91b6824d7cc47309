package main

import (
	"testing"
	"time"

	"github.com/probelabs/logoscope/internal/anomaly"
	"github.com/probelabs/logoscope/internal/config"
	"github.com/probelabs/logoscope/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMatchFilterNilWhenNoFlags(t *testing.T) {
	assert.Nil(t, buildMatchFilter("", ""))
}

func TestBuildMatchFilterAppliesMatchAndExclude(t *testing.T) {
	f := buildMatchFilter("^user", "error")
	require.NotNil(t, f)
	assert.True(t, f("user logged in"))
	assert.False(t, f("user hit an error"))
	assert.False(t, f("admin logged in"))
}

func TestParseWindowDefaultsEndToNow(t *testing.T) {
	start, end := parseWindow("2026-01-01T00:00:00Z", "")
	assert.Equal(t, 2026, start.Year())
	assert.WithinDuration(t, time.Now().UTC(), end, 5*time.Second)
}

func TestParseWindowParsesBothBounds(t *testing.T) {
	start, end := parseWindow("2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z")
	assert.True(t, start.Before(end))
}

func TestApplyFlagOverridesOnlyTouchesSetFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.View.View = "full"
	applyFlagOverrides(cfg, "triage", "", "", "", "", "", "", "", "", 0, 0, 0, 0, 0, 0, 0,
		false, 0, 0, false, "", "", "", "")
	assert.Equal(t, "triage", cfg.View.View)
	assert.Equal(t, "json", cfg.View.Format) // untouched default survives
}

func TestApplyFlagOverridesSetsFollowAndMetricsAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	applyFlagOverrides(cfg, "", "", "", "", "", "", "", "", "", 0, 0, 0, 0, 0, 0, 0,
		true, 5*time.Second, time.Minute, true, "", "", "", ":9090")
	assert.True(t, cfg.App.Follow)
	assert.True(t, cfg.App.FailFast)
	assert.Equal(t, 5*time.Second, cfg.App.Interval)
	assert.Equal(t, ":9090", cfg.App.MetricsAddr)
}

func TestExitCodeForFailFastTakesPriority(t *testing.T) {
	cfg := config.DefaultConfig()
	doc := summary.Document{IncompleteReason: "fail_fast"}
	assert.Equal(t, 3, exitCodeFor(doc, cfg))
}

func TestExitCodeForAnomalyThresholdExceeded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tuning.AnomalyThreshold = 1
	doc := summary.Document{
		Anomalies: summary.Anomalies{
			FieldAnomalies: []anomaly.NumericOutlier{{}, {}},
		},
	}
	assert.Equal(t, 2, exitCodeFor(doc, cfg))
}

func TestExitCodeForHealthyRunIsZero(t *testing.T) {
	cfg := config.DefaultConfig()
	doc := summary.Document{}
	assert.Equal(t, 0, exitCodeFor(doc, cfg))
}
