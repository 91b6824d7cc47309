// Package summary implements the Summary Builder (spec.md §4.10): it
// assembles the per-cluster state accumulated by the Drain tree, the
// Parameter & Schema Tracker, the Temporal Analyzer, the Field & Pattern
// Anomaly detector, and the Correlation Engine into one of the six
// selectable view shapes.
package summary

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/probelabs/logoscope/internal/anomaly"
	"github.com/probelabs/logoscope/internal/correlation"
	"github.com/probelabs/logoscope/internal/drain"
	"github.com/probelabs/logoscope/internal/paramstats"
	"github.com/probelabs/logoscope/internal/queryindex"
	"github.com/probelabs/logoscope/internal/temporal"
	apperrors "github.com/probelabs/logoscope/pkg/errors"
)

// View selects the Summary Builder's output shape (spec.md §4.10).
type View string

const (
	ViewFull     View = "full"
	ViewTriage   View = "triage"
	ViewVerbose  View = "verbose"
	ViewDeep     View = "deep"
	ViewPatterns View = "patterns"
	ViewLogs     View = "logs"
)

var severityRank = map[string]int{
	"error": 5, "warn": 4, "warning": 4, "info": 3, "debug": 2, "trace": 1, "unknown": 0,
}

func severityOf(levelHistogram map[string]int64) string {
	best, bestRank := "unknown", -1
	bestCount := int64(-1)
	for level, count := range levelHistogram {
		rank := severityRank[normalizeSeverity(level)]
		norm := normalizeSeverity(level)
		if count > bestCount || (count == bestCount && rank > bestRank) {
			best, bestRank, bestCount = norm, rank, count
		}
	}
	return best
}

func normalizeSeverity(level string) string {
	switch level {
	case "ERROR", "error":
		return "error"
	case "WARN", "WARNING", "warn", "warning":
		return "warn"
	case "INFO", "info":
		return "info"
	case "DEBUG", "debug":
		return "debug"
	case "TRACE", "trace":
		return "trace"
	default:
		return "unknown"
	}
}

// (JSON tags on the types below follow spec.md §6's output schema.)

// ShapingOptions are the caller-supplied pattern-shaping knobs (spec.md §6).
type ShapingOptions struct {
	Top           int
	MinCount      int64
	MinFrequency  float64
	Examples      int
	MaxPatterns   int
	MinLevel      string
	MatchFilter   func(template string) bool
}

func DefaultShapingOptions() ShapingOptions {
	return ShapingOptions{Examples: 5, MaxPatterns: 1000}
}

// Pattern is one cluster rendered for output (spec.md §4.10 field list).
type Pattern struct {
	Template         string                          `json:"template"`
	TotalCount       int64                           `json:"total_count"`
	Frequency        float64                         `json:"frequency"`
	Severity         string                          `json:"severity"`
	PatternStability float64                         `json:"pattern_stability"`
	Temporal         TemporalView                    `json:"temporal"`
	Examples         []drain.Example                 `json:"examples"`
	Correlations     []correlation.Partner            `json:"correlations,omitempty"`
	SourcesByService map[string]int64                 `json:"sources_by_service,omitempty"`
	SourcesByHost    map[string]int64                 `json:"sources_by_host,omitempty"`
	ParamStats       map[int]paramstats.NumericStats  `json:"param_stats,omitempty"`
	FirstSeen        time.Time                        `json:"first_seen"`
}

// TemporalView is the temporal facet of a rendered pattern.
type TemporalView struct {
	Bursts       []temporal.Burst `json:"bursts,omitempty"`
	LargestBurst *temporal.Burst  `json:"largest_burst,omitempty"`
	Gaps         []temporal.Gap   `json:"gaps,omitempty"`
	Spikes       []temporal.Spike `json:"spikes,omitempty"`
	Trend        temporal.Trend   `json:"trend"`
}

// Anomalies bundles the pattern, field and cardinality anomaly categories
// (spec.md §6). Numeric outliers surface under field_anomalies and
// cardinality explosions under cardinality_issues. Temporal anomalies are
// not repeated here and no temporal_anomalies key is emitted: per-pattern
// bursts/gaps/spikes in each Pattern's TemporalView carry them.
type Anomalies struct {
	PatternAnomalies  []anomaly.PatternAnomaly       `json:"pattern_anomalies,omitempty"`
	FieldAnomalies    []anomaly.NumericOutlier       `json:"field_anomalies,omitempty"`
	CardinalityIssues []anomaly.CardinalityExplosion `json:"cardinality_issues,omitempty"`
}

// SchemaChangeView is one schema diff event annotated with burst impact.
type SchemaChangeView struct {
	paramstats.SchemaChange
}

// ErrorSummary is the errors{} section of the output (spec.md §6).
type ErrorSummary struct {
	Total   int64             `json:"total"`
	Samples []apperrors.Sample `json:"samples,omitempty"`
}

// Investigation is one suggested follow-up query (spec.md §6).
type Investigation struct {
	Command  string `json:"command"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// Document is the builder's internal result shape. Its MarshalJSON method
// nests these fields into spec.md §6's wire schema (summary{}, patterns[],
// schema_changes[], anomalies{}, correlations[], errors{}, query_interface{}).
type Document struct {
	View             View
	TotalLines       int64
	UniquePatterns   int
	TimeSpanStart    time.Time
	TimeSpanEnd      time.Time
	CompressionRatio float64
	Status           string // triage-only: CRITICAL | WARNING | NORMAL
	Incomplete       bool
	IncompleteReason string

	Patterns                []Pattern
	SchemaChanges           []SchemaChangeView
	Anomalies               Anomalies
	Correlations            []CorrelationView
	Errors                  ErrorSummary
	Insights                []string
	SuggestedInvestigations []Investigation

	Lines []queryindex.Line // logs view only
}

type summaryBlock struct {
	TotalLines       int64     `json:"total_lines"`
	UniquePatterns   int       `json:"unique_patterns"`
	TimeSpanStart    time.Time `json:"time_span_start"`
	TimeSpanEnd      time.Time `json:"time_span_end"`
	CompressionRatio float64   `json:"compression_ratio"`
	Status           string    `json:"status,omitempty"`
	Incomplete       bool      `json:"incomplete"`
	IncompleteReason string    `json:"incomplete_reason,omitempty"`
}

type queryInterfaceBlock struct {
	AvailableCommands       []string       `json:"available_commands"`
	SuggestedInvestigations []Investigation `json:"suggested_investigations,omitempty"`
}

var availableCommandsByView = map[View][]string{
	ViewLogs: {"GET_LINES_BY_TIME", "GET_LINES_BY_PATTERN", "GET_CONTEXT"},
}

func availableCommands(v View) []string {
	if cmds, ok := availableCommandsByView[v]; ok {
		return cmds
	}
	return []string{"GET_LINES_BY_TIME", "GET_LINES_BY_PATTERN"}
}

// MarshalJSON renders the document into spec.md §6's top-level key shape.
func (d Document) MarshalJSON() ([]byte, error) {
	out := struct {
		View           View                 `json:"view"`
		Summary        summaryBlock         `json:"summary"`
		Patterns       []Pattern            `json:"patterns,omitempty"`
		SchemaChanges  []SchemaChangeView   `json:"schema_changes,omitempty"`
		Anomalies      Anomalies            `json:"anomalies"`
		Correlations   []CorrelationView    `json:"correlations,omitempty"`
		Errors         ErrorSummary         `json:"errors"`
		QueryInterface queryInterfaceBlock  `json:"query_interface"`
		Lines          []queryindex.Line    `json:"lines,omitempty"`
	}{
		View: d.View,
		Summary: summaryBlock{
			TotalLines:       d.TotalLines,
			UniquePatterns:   d.UniquePatterns,
			TimeSpanStart:    d.TimeSpanStart,
			TimeSpanEnd:      d.TimeSpanEnd,
			CompressionRatio: d.CompressionRatio,
			Status:           d.Status,
			Incomplete:       d.Incomplete,
			IncompleteReason: d.IncompleteReason,
		},
		Patterns:      d.Patterns,
		SchemaChanges: d.SchemaChanges,
		Anomalies:     d.Anomalies,
		Correlations:  d.Correlations,
		Errors:        d.Errors,
		QueryInterface: queryInterfaceBlock{
			AvailableCommands:       availableCommands(d.View),
			SuggestedInvestigations: d.SuggestedInvestigations,
		},
		Lines: d.Lines,
	}
	return json.Marshal(out)
}

// CorrelationView names both sides of a correlated pair for deep-mode
// output (spec.md §6 correlations[]).
type CorrelationView struct {
	ClusterID uint64               `json:"cluster_id"`
	Template  string               `json:"template"`
	Partners  []correlation.Partner `json:"partners"`
}

// ClusterSnapshot is everything the builder needs about one Drain cluster,
// decoupled from the mutable drain.Cluster so rendering never races with
// ongoing ingestion.
type ClusterSnapshot struct {
	ID               uint64
	Template         string
	TemplateTokens   []string
	MemberCount      int64
	FirstSeen        time.Time
	LastSeen         time.Time
	CreatedSeq       int64
	CreatedAt        time.Time
	LevelHistogram   map[string]int64
	ServiceHistogram map[string]int64
	HostHistogram    map[string]int64
	Examples         []drain.Example
	Series           *temporal.Series
	Params           *paramstats.ClusterParams
}

// Builder renders Documents from a snapshot of accumulated analyzer state.
type Builder struct {
	anomalyCfg   anomaly.Config
	anomalyDet   *anomaly.Detector
	impactWindow time.Duration
}

func New(anomalyCfg anomaly.Config) *Builder {
	return &Builder{anomalyCfg: anomalyCfg, anomalyDet: anomaly.New(anomalyCfg), impactWindow: 60 * time.Second}
}

// Build assembles a Document for the given view from the current snapshot
// of clusters, correlation engine, schema diffs, errors, and (for
// ViewLogs only) a caller-prepared slice of lines already filtered and
// context-expanded via the Query Index per the `pattern`/`start`/`end`/
// `before`/`after` options (spec.md §4.10: "returns retained lines filtered
// by the Query Index, honoring before/after context around the first
// match" — the filtering itself is the caller's Query Index call, not the
// builder's concern).
func (b *Builder) Build(
	view View,
	clusters []ClusterSnapshot,
	totalLines int64,
	corr *correlation.Engine,
	schemaDiffs []paramstats.SchemaChange,
	logsLines []queryindex.Line,
	errs ErrorSummary,
	opts ShapingOptions,
) Document {
	doc := Document{View: view, TotalLines: totalLines, UniquePatterns: len(clusters), Errors: errs}
	if len(clusters) > 0 {
		doc.CompressionRatio = float64(totalLines) / float64(len(clusters))
	}
	doc.TimeSpanStart, doc.TimeSpanEnd = timeSpan(clusters)

	maxCount := maxMemberCount(clusters)
	firstSeq := minCreatedSeq(clusters)

	var clusterInfos []anomaly.ClusterInfo
	for _, c := range clusters {
		clusterInfos = append(clusterInfos, anomaly.ClusterInfo{
			ID: c.ID, Template: c.Template, MemberCount: c.MemberCount,
			CreatedSeq: c.CreatedSeq, CreatedAt: c.CreatedAt,
		})
	}
	patternAnomalies := b.anomalyDet.PatternAnomalies(clusterInfos, totalLines, doc.TimeSpanStart, doc.TimeSpanEnd, firstSeq)
	sort.SliceStable(patternAnomalies, func(i, j int) bool { return patternAnomalies[i].ClusterID < patternAnomalies[j].ClusterID })

	var fieldAnomalies []anomaly.NumericOutlier
	var cardinalityIssues []anomaly.CardinalityExplosion
	for _, c := range clusters {
		fieldAnomalies = append(fieldAnomalies, b.anomalyDet.NumericOutliers(c.ID, c.Template, c.Params)...)
		cardinalityIssues = append(cardinalityIssues, b.anomalyDet.CardinalityExplosions(c.ID, c.Template, c.Params)...)
	}
	doc.Anomalies = Anomalies{PatternAnomalies: patternAnomalies, FieldAnomalies: fieldAnomalies, CardinalityIssues: cardinalityIssues}

	doc.SchemaChanges = b.annotateSchemaChanges(schemaDiffs, clusters)

	switch view {
	case ViewLogs:
		doc.Lines = logsLines
		return doc
	case ViewTriage:
		return b.buildTriage(doc, clusters, totalLines, maxCount, corr, opts, patternAnomalies)
	case ViewVerbose:
		return b.buildOrdered(doc, clusters, totalLines, maxCount, corr, opts, severityThenCount)
	case ViewDeep:
		deepOpts := opts
		deepOpts.Examples = 10
		deepOpts.MinCount = 0
		deepOpts.MinFrequency = 0
		doc2 := b.buildOrdered(doc, clusters, totalLines, maxCount, corr, deepOpts, severityThenCount)
		for _, c := range clusters {
			doc2.Correlations = append(doc2.Correlations, CorrelationView{
				ClusterID: c.ID, Template: c.Template, Partners: corr.PartnersOf(c.ID),
			})
		}
		return doc2
	case ViewPatterns:
		return b.buildOrdered(doc, clusters, totalLines, maxCount, corr, opts, countThenFirstSeen)
	default: // ViewFull
		return b.buildOrdered(doc, clusters, totalLines, maxCount, corr, opts, countThenFirstSeen)
	}
}

func severityThenCount(a, b Pattern) bool {
	ra, rb := severityRank[a.Severity], severityRank[b.Severity]
	if ra != rb {
		return ra > rb
	}
	return a.TotalCount > b.TotalCount
}

func countThenFirstSeen(a, b Pattern) bool {
	if a.TotalCount != b.TotalCount {
		return a.TotalCount > b.TotalCount
	}
	return a.FirstSeen.Before(b.FirstSeen)
}

func (b *Builder) buildOrdered(doc Document, clusters []ClusterSnapshot, totalLines int64, maxCount int64, corr *correlation.Engine, opts ShapingOptions, less func(a, b Pattern) bool) Document {
	patterns := make([]Pattern, 0, len(clusters))
	for _, c := range clusters {
		p := b.renderPattern(c, totalLines, maxCount, corr, opts.Examples)
		if opts.MinCount > 0 && p.TotalCount < opts.MinCount {
			continue
		}
		if opts.MinFrequency > 0 && p.Frequency < opts.MinFrequency {
			continue
		}
		if opts.MinLevel != "" && severityRank[p.Severity] < severityRank[opts.MinLevel] {
			continue
		}
		if opts.MatchFilter != nil && !opts.MatchFilter(p.Template) {
			continue
		}
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return less(patterns[i], patterns[j]) })
	if opts.MaxPatterns > 0 && len(patterns) > opts.MaxPatterns {
		patterns = patterns[:opts.MaxPatterns]
	}
	doc.Patterns = applyTop(patterns, opts.Top)
	return doc
}

// applyTop caps patterns (already shaped by MinCount/MinFrequency/MinLevel
// and MaxPatterns, and sorted by the view's ordering) to the first n
// entries. Top is a display-count knob distinct from MaxPatterns: MaxPatterns
// bounds how many patterns are considered and filtered at all, Top bounds how
// many of the surviving, ranked patterns are actually shown.
func applyTop(patterns []Pattern, n int) []Pattern {
	if n > 0 && len(patterns) > n {
		return patterns[:n]
	}
	return patterns
}

func (b *Builder) buildTriage(doc Document, clusters []ClusterSnapshot, totalLines int64, maxCount int64, corr *correlation.Engine, opts ShapingOptions, patternAnomalies []anomaly.PatternAnomaly) Document {
	newClusterIDs := make(map[uint64]bool)
	for _, pa := range patternAnomalies {
		if pa.Kind == anomaly.PatternNew {
			newClusterIDs[pa.ClusterID] = true
		}
	}

	var errorLines int64
	var patterns []Pattern
	for _, c := range clusters {
		sev := severityOf(c.LevelHistogram)
		hasBurst := c.Series != nil && len(c.Series.Bursts()) > 0
		isNew := newClusterIDs[c.ID]
		if sev == "error" {
			errorLines += c.MemberCount
		}
		if sev != "error" && !hasBurst && !isNew {
			continue
		}
		patterns = append(patterns, b.renderPattern(c, totalLines, maxCount, corr, opts.Examples))
	}
	sort.Slice(patterns, func(i, j int) bool { return countThenFirstSeen(patterns[i], patterns[j]) })

	hasAnyBurst := false
	for _, p := range patterns {
		if p.Temporal.LargestBurst != nil {
			hasAnyBurst = true
		}
	}

	patterns = applyTop(patterns, opts.Top)
	doc.Patterns = patterns

	errorFraction := 0.0
	if totalLines > 0 {
		errorFraction = float64(errorLines) / float64(totalLines)
	}
	switch {
	case errorLines > 0 && (hasAnyBurst || errorFraction >= 0.01):
		doc.Status = "CRITICAL"
	case errorLines > 0:
		doc.Status = "WARNING"
	default:
		doc.Status = "NORMAL"
	}

	doc.Insights = topInsights(patterns, 3)
	doc.SuggestedInvestigations = suggestInvestigations(patterns, doc.SchemaChanges, doc.Anomalies.PatternAnomalies)
	return doc
}

func topInsights(patterns []Pattern, n int) []string {
	var insights []string
	for _, p := range patterns {
		if p.Temporal.LargestBurst != nil {
			insights = append(insights, "burst in "+p.Template+" peaking at "+itoa64(p.Temporal.LargestBurst.Peak))
		}
	}
	if len(insights) > n {
		insights = insights[:n]
	}
	return insights
}

func suggestInvestigations(patterns []Pattern, schemaChanges []SchemaChangeView, patternAnomalies []anomaly.PatternAnomaly) []Investigation {
	var out []Investigation
	for _, p := range patterns {
		if p.Temporal.LargestBurst != nil {
			out = append(out, Investigation{Command: "GET_LINES_BY_TIME", Priority: "HIGH", Reason: "largest burst in " + p.Template})
		}
	}
	for _, sc := range schemaChanges {
		out = append(out, Investigation{Command: "GET_LINES_BY_TIME ±5m", Priority: "MEDIUM", Reason: "schema change on " + sc.Field})
	}
	for _, pa := range patternAnomalies {
		switch pa.Kind {
		case anomaly.PatternNew:
			out = append(out, Investigation{Command: "GET_LINES_BY_PATTERN", Priority: "HIGH", Reason: "new pattern " + pa.Template})
		case anomaly.PatternRare:
			out = append(out, Investigation{Command: "GET_LINES_BY_PATTERN", Priority: "LOW", Reason: "rare pattern " + pa.Template})
		}
	}
	return out
}

func (b *Builder) renderPattern(c ClusterSnapshot, totalLines int64, maxCount int64, corr *correlation.Engine, exampleLimit int) Pattern {
	freq := 0.0
	if totalLines > 0 {
		freq = float64(c.MemberCount) / float64(totalLines)
	}

	var tv TemporalView
	if c.Series != nil {
		tv = TemporalView{
			Bursts:       c.Series.Bursts(),
			LargestBurst: c.Series.LargestBurst(),
			Gaps:         c.Series.Gaps(),
			Spikes:       c.Series.Spikes(),
			Trend:        c.Series.TrendDirection(),
		}
	}

	examples := c.Examples
	if exampleLimit > 0 && len(examples) > exampleLimit {
		examples = examples[:exampleLimit]
	}

	var partners []correlation.Partner
	if corr != nil {
		partners = corr.PartnersOf(c.ID)
	}

	paramStats := make(map[int]paramstats.NumericStats)
	if c.Params != nil {
		for pos, ps := range c.Params.Positions {
			if ps.IsNumeric() {
				paramStats[pos] = ps.Numeric()
			}
		}
	}

	presence := 0.0
	if c.Series != nil && c.Series.TotalBuckets() > 0 {
		presence = float64(c.Series.PopulatedBuckets()) / float64(c.Series.TotalBuckets())
	}
	freqFactor := 0.0
	if maxCount > 0 {
		freqFactor = math.Min(1, math.Log(1+float64(c.MemberCount))/math.Log(1+float64(maxCount)))
	}
	stability := 0.5*presence + 0.5*freqFactor

	return Pattern{
		Template:         c.Template,
		TotalCount:       c.MemberCount,
		Frequency:        freq,
		Severity:         severityOf(c.LevelHistogram),
		PatternStability: stability,
		Temporal:         tv,
		Examples:         examples,
		Correlations:     partners,
		SourcesByService: c.ServiceHistogram,
		SourcesByHost:    c.HostHistogram,
		ParamStats:       paramStats,
		FirstSeen:        c.FirstSeen,
	}
}

func (b *Builder) annotateSchemaChanges(diffs []paramstats.SchemaChange, clusters []ClusterSnapshot) []SchemaChangeView {
	var burstWindows []struct{ start, end time.Time }
	for _, c := range clusters {
		if c.Series == nil {
			continue
		}
		for _, burst := range c.Series.Bursts() {
			burstWindows = append(burstWindows, struct{ start, end time.Time }{
				start: burst.Start.Add(-b.impactWindow),
				end:   burst.End.Add(b.impactWindow),
			})
		}
	}

	out := make([]SchemaChangeView, 0, len(diffs))
	for _, d := range diffs {
		view := SchemaChangeView{SchemaChange: d}
		for _, w := range burstWindows {
			if !d.Timestamp.Before(w.start) && !d.Timestamp.After(w.end) {
				view.Impact = "near_burst"
				break
			}
		}
		out = append(out, view)
	}
	return out
}

func timeSpan(clusters []ClusterSnapshot) (time.Time, time.Time) {
	var start, end time.Time
	for _, c := range clusters {
		if c.FirstSeen.IsZero() {
			continue
		}
		if start.IsZero() || c.FirstSeen.Before(start) {
			start = c.FirstSeen
		}
		if end.IsZero() || c.LastSeen.After(end) {
			end = c.LastSeen
		}
	}
	return start, end
}

func maxMemberCount(clusters []ClusterSnapshot) int64 {
	var max int64
	for _, c := range clusters {
		if c.MemberCount > max {
			max = c.MemberCount
		}
	}
	return max
}

func minCreatedSeq(clusters []ClusterSnapshot) int64 {
	if len(clusters) == 0 {
		return 0
	}
	min := clusters[0].CreatedSeq
	for _, c := range clusters[1:] {
		if c.CreatedSeq < min {
			min = c.CreatedSeq
		}
	}
	return min
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
