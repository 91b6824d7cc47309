// Package config implements Logoscope's two-stage configuration model:
// an optional YAML file, then environment-variable overrides, then
// defaults applied only where still unset, then a single validation pass
// that accumulates every violation rather than stopping at the first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/probelabs/logoscope/internal/anomaly"
	"github.com/probelabs/logoscope/internal/assembler"
	"github.com/probelabs/logoscope/internal/correlation"
	"github.com/probelabs/logoscope/internal/drain"
	"github.com/probelabs/logoscope/internal/engine"
	"github.com/probelabs/logoscope/internal/parser"
	"github.com/probelabs/logoscope/internal/queryindex"
	"github.com/probelabs/logoscope/internal/summary"
	"github.com/probelabs/logoscope/internal/temporal"
)

// Config is the full CLI/engine configuration surface (spec.md §6).
type Config struct {
	App    AppConfig    `yaml:"app"`
	View   ViewConfig   `yaml:"view"`
	Tuning TuningConfig `yaml:"tuning"`
}

// AppConfig carries logging and run-mode knobs, matching the teacher's own
// App section shape.
type AppConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Follow            bool          `yaml:"follow"`
	Interval          time.Duration `yaml:"interval"`
	Window            time.Duration `yaml:"window"`
	MaxLines          int64         `yaml:"max_lines"`
	FailFast          bool          `yaml:"fail_fast"`
	RetainedBufferCap int           `yaml:"retained_buffer_cap"`

	MetricsAddr string `yaml:"metrics_addr"` // empty disables the optional HTTP surface
}

// ViewConfig holds the Summary Builder's view-selection and shaping knobs
// (spec.md §6).
type ViewConfig struct {
	View         string   `yaml:"view"` // full|triage|verbose|deep|patterns|logs
	Start        string   `yaml:"start"`
	End          string   `yaml:"end"`
	Pattern      string   `yaml:"pattern"`
	Match        string   `yaml:"match"`
	Exclude      string   `yaml:"exclude"`
	Level        string   `yaml:"level"`
	Service      string   `yaml:"service"`
	Host         string   `yaml:"host"`
	Top          int      `yaml:"top"`
	MinCount     int64    `yaml:"min_count"`
	MinFrequency float64  `yaml:"min_frequency"`
	Examples     int      `yaml:"examples"`
	MaxPatterns  int      `yaml:"max_patterns"`
	Before       int64    `yaml:"before"`
	After        int64    `yaml:"after"`
	Format       string   `yaml:"format"` // json|table
	GroupBy      string   `yaml:"group_by"` // none|service|level
	Sort         string   `yaml:"sort"`     // count|freq|bursts|confidence
	TimeKeys     []string `yaml:"time_key"`
}

// TuningConfig holds the per-stage algorithm tunables named throughout
// spec.md §4.
type TuningConfig struct {
	DropKeys []string `yaml:"drop_keys"`

	MaxDepth     int     `yaml:"max_depth"`
	MaxChildren  int     `yaml:"max_children"`
	SimMin       float64 `yaml:"sim_min"`
	MaxClusters  int     `yaml:"max_clusters"`
	ParamCap     int     `yaml:"param_cap"` // K
	ExampleCap   int     `yaml:"example_cap"`

	BucketWidth     time.Duration `yaml:"bucket_width"`
	BurstMultiplier float64       `yaml:"burst_multiplier"`
	GapMultiplier   float64       `yaml:"gap_multiplier"`
	SpikeZ          float64       `yaml:"spike_z"`

	CorrelationWindow time.Duration `yaml:"correlation_window"`
	CorrelationTopK   int           `yaml:"correlation_top_k"`

	NewPatternFrequency float64 `yaml:"new_pattern_frequency"`
	RareThreshold       float64 `yaml:"rare_threshold"`

	ResultCap int `yaml:"result_cap"`

	FastPathMasking bool `yaml:"fast_path_masking"`

	// AnomalyThreshold is the total anomaly count above which the CLI exits
	// with status 2 (spec.md §6 "anomaly count exceeds configured
	// threshold"). 0 disables the check.
	AnomalyThreshold int `yaml:"anomaly_threshold"`
}

// DefaultConfig returns every stage's documented spec.md default, bundled
// into one Config.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:          "info",
			LogFormat:         "text",
			Interval:          10 * time.Second,
			Window:            10 * time.Minute,
			RetainedBufferCap: 0,
		},
		View: ViewConfig{
			View:        "full",
			Examples:    5,
			MaxPatterns: 1000,
			Format:      "json",
			GroupBy:     "none",
			Sort:        "count",
			TimeKeys:    []string{"timestamp", "ts", "time", "@timestamp"},
		},
		Tuning: TuningConfig{
			DropKeys:            parser.DefaultDropKeys(),
			MaxDepth:            4,
			MaxChildren:         100,
			SimMin:              0.4,
			MaxClusters:         10000,
			ParamCap:            64,
			ExampleCap:          5,
			BucketWidth:         60 * time.Second,
			BurstMultiplier:     3.0,
			GapMultiplier:       10.0,
			SpikeZ:              3.5,
			CorrelationWindow:   10 * time.Second,
			CorrelationTopK:     5,
			NewPatternFrequency: 0.001,
			RareThreshold:       0.001,
			ResultCap:           10000,
			FastPathMasking:     true,
			AnomalyThreshold:    0,
		},
	}
}

// Load builds a Config from an optional YAML file, then environment
// overrides, then spec.md defaults for anything still unset, then
// validates. Mirrors the teacher's own load→override→default→validate
// ordering in internal/config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig()

	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = d.App.LogLevel
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = d.App.LogFormat
	}
	if cfg.App.Interval == 0 {
		cfg.App.Interval = d.App.Interval
	}
	if cfg.App.Window == 0 {
		cfg.App.Window = d.App.Window
	}

	if cfg.View.View == "" {
		cfg.View.View = d.View.View
	}
	if cfg.View.Examples == 0 {
		cfg.View.Examples = d.View.Examples
	}
	if cfg.View.MaxPatterns == 0 {
		cfg.View.MaxPatterns = d.View.MaxPatterns
	}
	if cfg.View.Format == "" {
		cfg.View.Format = d.View.Format
	}
	if cfg.View.GroupBy == "" {
		cfg.View.GroupBy = d.View.GroupBy
	}
	if cfg.View.Sort == "" {
		cfg.View.Sort = d.View.Sort
	}
	if len(cfg.View.TimeKeys) == 0 {
		cfg.View.TimeKeys = d.View.TimeKeys
	}

	if len(cfg.Tuning.DropKeys) == 0 {
		cfg.Tuning.DropKeys = d.Tuning.DropKeys
	}
	if cfg.Tuning.MaxDepth == 0 {
		cfg.Tuning.MaxDepth = d.Tuning.MaxDepth
	}
	if cfg.Tuning.MaxChildren == 0 {
		cfg.Tuning.MaxChildren = d.Tuning.MaxChildren
	}
	if cfg.Tuning.SimMin == 0 {
		cfg.Tuning.SimMin = d.Tuning.SimMin
	}
	if cfg.Tuning.MaxClusters == 0 {
		cfg.Tuning.MaxClusters = d.Tuning.MaxClusters
	}
	if cfg.Tuning.ParamCap == 0 {
		cfg.Tuning.ParamCap = d.Tuning.ParamCap
	}
	if cfg.Tuning.ExampleCap == 0 {
		cfg.Tuning.ExampleCap = d.Tuning.ExampleCap
	}
	if cfg.Tuning.BucketWidth == 0 {
		cfg.Tuning.BucketWidth = d.Tuning.BucketWidth
	}
	if cfg.Tuning.BurstMultiplier == 0 {
		cfg.Tuning.BurstMultiplier = d.Tuning.BurstMultiplier
	}
	if cfg.Tuning.GapMultiplier == 0 {
		cfg.Tuning.GapMultiplier = d.Tuning.GapMultiplier
	}
	if cfg.Tuning.SpikeZ == 0 {
		cfg.Tuning.SpikeZ = d.Tuning.SpikeZ
	}
	if cfg.Tuning.CorrelationWindow == 0 {
		cfg.Tuning.CorrelationWindow = d.Tuning.CorrelationWindow
	}
	if cfg.Tuning.CorrelationTopK == 0 {
		cfg.Tuning.CorrelationTopK = d.Tuning.CorrelationTopK
	}
	if cfg.Tuning.NewPatternFrequency == 0 {
		cfg.Tuning.NewPatternFrequency = d.Tuning.NewPatternFrequency
	}
	if cfg.Tuning.RareThreshold == 0 {
		cfg.Tuning.RareThreshold = d.Tuning.RareThreshold
	}
	if cfg.Tuning.ResultCap == 0 {
		cfg.Tuning.ResultCap = d.Tuning.ResultCap
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.App.LogLevel = getEnvString("LOGOSCOPE_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("LOGOSCOPE_LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.Follow = getEnvBool("LOGOSCOPE_FOLLOW", cfg.App.Follow)
	cfg.App.Interval = getEnvDuration("LOGOSCOPE_INTERVAL", cfg.App.Interval)
	cfg.App.Window = getEnvDuration("LOGOSCOPE_WINDOW", cfg.App.Window)
	cfg.App.FailFast = getEnvBool("LOGOSCOPE_FAIL_FAST", cfg.App.FailFast)
	cfg.App.MetricsAddr = getEnvString("LOGOSCOPE_METRICS_ADDR", cfg.App.MetricsAddr)

	cfg.View.View = getEnvString("LOGOSCOPE_VIEW", cfg.View.View)
	cfg.View.Format = getEnvString("LOGOSCOPE_FORMAT", cfg.View.Format)

	cfg.Tuning.MaxClusters = getEnvInt("LOGOSCOPE_MAX_CLUSTERS", cfg.Tuning.MaxClusters)
	cfg.Tuning.SimMin = getEnvFloat("LOGOSCOPE_SIM_MIN", cfg.Tuning.SimMin)
	cfg.Tuning.AnomalyThreshold = getEnvInt("LOGOSCOPE_ANOMALY_THRESHOLD", cfg.Tuning.AnomalyThreshold)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

var validViews = map[string]bool{"full": true, "triage": true, "verbose": true, "deep": true, "patterns": true, "logs": true}
var validFormats = map[string]bool{"json": true, "table": true}
var validGroupBy = map[string]bool{"none": true, "service": true, "level": true}
var validSort = map[string]bool{"count": true, "freq": true, "bursts": true, "confidence": true}

// Validate checks every field against spec.md's stated ranges and
// enumerations, accumulating every violation rather than stopping at the
// first (the teacher's own ConfigValidator style).
func Validate(cfg *Config) error {
	v := &validator{}

	if !validViews[cfg.View.View] {
		v.addf("view", "invalid view %q", cfg.View.View)
	}
	if !validFormats[cfg.View.Format] {
		v.addf("format", "invalid format %q", cfg.View.Format)
	}
	if !validGroupBy[cfg.View.GroupBy] {
		v.addf("group_by", "invalid group_by %q", cfg.View.GroupBy)
	}
	if !validSort[cfg.View.Sort] {
		v.addf("sort", "invalid sort %q", cfg.View.Sort)
	}
	if cfg.View.Start != "" {
		if _, err := time.Parse(time.RFC3339, cfg.View.Start); err != nil {
			v.addf("start", "invalid RFC3339 timestamp %q", cfg.View.Start)
		}
	}
	if cfg.View.End != "" {
		if _, err := time.Parse(time.RFC3339, cfg.View.End); err != nil {
			v.addf("end", "invalid RFC3339 timestamp %q", cfg.View.End)
		}
	}

	if cfg.Tuning.MaxDepth <= 0 {
		v.addf("max_depth", "must be positive, got %d", cfg.Tuning.MaxDepth)
	}
	if cfg.Tuning.MaxChildren <= 0 {
		v.addf("max_children", "must be positive, got %d", cfg.Tuning.MaxChildren)
	}
	if cfg.Tuning.SimMin < 0 || cfg.Tuning.SimMin > 1 {
		v.addf("sim_min", "must be in [0,1], got %v", cfg.Tuning.SimMin)
	}
	if cfg.Tuning.MaxClusters <= 0 {
		v.addf("max_clusters", "must be positive, got %d", cfg.Tuning.MaxClusters)
	}
	if cfg.Tuning.BurstMultiplier <= 0 {
		v.addf("burst_multiplier", "must be positive, got %v", cfg.Tuning.BurstMultiplier)
	}
	if cfg.Tuning.GapMultiplier <= 0 {
		v.addf("gap_multiplier", "must be positive, got %v", cfg.Tuning.GapMultiplier)
	}
	if cfg.Tuning.SpikeZ <= 0 {
		v.addf("spike_z", "must be positive, got %v", cfg.Tuning.SpikeZ)
	}
	if cfg.Tuning.NewPatternFrequency < 0 || cfg.Tuning.NewPatternFrequency > 1 {
		v.addf("new_pattern_frequency", "must be in [0,1], got %v", cfg.Tuning.NewPatternFrequency)
	}
	if cfg.Tuning.RareThreshold < 0 || cfg.Tuning.RareThreshold > 1 {
		v.addf("rare_threshold", "must be in [0,1], got %v", cfg.Tuning.RareThreshold)
	}
	if cfg.Tuning.ResultCap <= 0 {
		v.addf("result_cap", "must be positive, got %d", cfg.Tuning.ResultCap)
	}
	if cfg.Tuning.AnomalyThreshold < 0 {
		v.addf("anomaly_threshold", "must be >= 0, got %d", cfg.Tuning.AnomalyThreshold)
	}

	return v.result()
}

type validator struct {
	violations []string
}

func (v *validator) addf(field, format string, args ...interface{}) {
	v.violations = append(v.violations, field+": "+fmt.Sprintf(format, args...))
}

func (v *validator) result() error {
	if len(v.violations) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(v.violations, "\n  "))
}

// EngineConfig translates the validated Config into internal/engine's
// Config, the immutable bundle the analyzer is constructed from.
func EngineConfig(cfg *Config) engine.Config {
	return engine.Config{
		Assembler: assembler.DefaultConfig(),
		Parser: parser.Config{
			TimeKeys: cfg.View.TimeKeys,
			DropKeys: cfg.Tuning.DropKeys,
		},
		Drain: drain.Config{
			MaxDepth:    cfg.Tuning.MaxDepth,
			MaxChildren: cfg.Tuning.MaxChildren,
			SimMin:      cfg.Tuning.SimMin,
			MaxClusters: cfg.Tuning.MaxClusters,
			ExampleCap:  cfg.Tuning.ExampleCap,
		},
		Temporal: temporal.Config{
			BucketWidth:     cfg.Tuning.BucketWidth,
			BurstMultiplier: cfg.Tuning.BurstMultiplier,
			GapMultiplier:   cfg.Tuning.GapMultiplier,
			SpikeZ:          cfg.Tuning.SpikeZ,
		},
		Anomaly: anomaly.Config{
			ZThreshold:           3.5,
			CardinalityRatio:     0.8,
			CardinalityMinTotal:  50,
			NewPatternWindowFrac: 0.05,
			NewPatternFrequency:  cfg.Tuning.NewPatternFrequency,
			RareThreshold:        cfg.Tuning.RareThreshold,
		},
		Correlation: correlation.Config{
			Window:      cfg.Tuning.CorrelationWindow,
			TopK:        cfg.Tuning.CorrelationTopK,
			MinStrength: 0.2,
		},
		QueryIndex:        queryindex.Config{ResultCap: cfg.Tuning.ResultCap},
		FastPathMasking:   cfg.Tuning.FastPathMasking,
		RetainedBufferCap: cfg.App.RetainedBufferCap,
		FailFast:          cfg.App.FailFast,
		MaxErrorSamples:   100,
	}
}

// SummaryView maps the configured view string onto summary.View.
func SummaryView(cfg *Config) summary.View {
	return summary.View(cfg.View.View)
}

// ShapingOptions translates the view-shaping knobs into summary.ShapingOptions.
func ShapingOptions(cfg *Config) summary.ShapingOptions {
	return summary.ShapingOptions{
		Top:          cfg.View.Top,
		MinCount:     cfg.View.MinCount,
		MinFrequency: cfg.View.MinFrequency,
		Examples:     cfg.View.Examples,
		MaxPatterns:  cfg.View.MaxPatterns,
		MinLevel:     cfg.View.Level,
	}
}
