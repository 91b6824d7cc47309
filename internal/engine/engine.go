// Package engine implements the Streaming Driver (spec.md §9): an
// incremental analyzer exposing the two synchronous entry points
// `Ingest(entry)` and `Tick(now)`, wiring every analysis stage
// (Assembler → Parser → Masker → Drain → Parameter/Schema Tracker →
// Temporal Analyzer → Correlation Engine → Query Index) behind one call.
// A batch driver calls Ingest in a loop then Finalize; a streaming driver
// additionally calls Tick on an interval it owns.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/probelabs/logoscope/internal/anomaly"
	"github.com/probelabs/logoscope/internal/assembler"
	"github.com/probelabs/logoscope/internal/correlation"
	"github.com/probelabs/logoscope/internal/drain"
	"github.com/probelabs/logoscope/internal/masker"
	"github.com/probelabs/logoscope/internal/metrics"
	"github.com/probelabs/logoscope/internal/paramstats"
	"github.com/probelabs/logoscope/internal/parser"
	"github.com/probelabs/logoscope/internal/queryindex"
	"github.com/probelabs/logoscope/internal/summary"
	"github.com/probelabs/logoscope/internal/temporal"
	apperrors "github.com/probelabs/logoscope/pkg/errors"
	"github.com/probelabs/logoscope/pkg/types"
)

// Config bundles every stage's tunables into the immutable configuration
// bundle spec.md §9 calls for ("constructed once at analysis start and
// passed by shared reference").
type Config struct {
	Assembler          assembler.Config
	Parser             parser.Config
	Drain              drain.Config
	Temporal           temporal.Config
	Anomaly            anomaly.Config
	Correlation        correlation.Config
	QueryIndex         queryindex.Config
	FastPathMasking    bool
	RetainedBufferCap  int // streaming mode: lines beyond this are evicted oldest-first
	FailFast           bool
	MaxErrorSamples    int
}

// DefaultConfig returns the spec's documented defaults across every stage.
func DefaultConfig() Config {
	return Config{
		Assembler:         assembler.DefaultConfig(),
		Parser:            parser.DefaultConfig(),
		Drain:             drain.DefaultConfig(),
		Temporal:          temporal.DefaultConfig(),
		Anomaly:           anomaly.DefaultConfig(),
		Correlation:       correlation.DefaultConfig(),
		QueryIndex:        queryindex.DefaultConfig(),
		FastPathMasking:   true,
		RetainedBufferCap: 0, // 0 means unbounded (batch mode default)
		MaxErrorSamples:   100,
	}
}

// Analyzer is the incremental, single-goroutine analysis core. It is not
// safe for concurrent use — spec.md §5 funnels Drain insertion (and, by
// extension, every downstream stage) through a single reducer; callers
// parallelizing parse+mask work must merge back onto one goroutine before
// calling Ingest.
type Analyzer struct {
	RunID uuid.UUID

	cfg    Config
	logger *logrus.Logger

	asm    *assembler.Assembler
	prs    *parser.Parser
	msk    *masker.Masker
	tree   *drain.Tree
	params *paramstats.Tracker
	corr   *correlation.Engine
	qidx   *queryindex.Index
	sb     *summary.Builder

	series map[uint64]*temporal.Series

	parallelCfg parallelPoolConfig

	totalLines int64
	errTotal   int64
	errSamples []apperrors.Sample

	incomplete       bool
	incompleteReason string
}

// New constructs an Analyzer from cfg. logger may be nil, in which case a
// default logrus.Logger is used (matching the teacher's own fallback in
// its component constructors).
func New(cfg Config, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Analyzer{
		RunID:  uuid.New(),
		cfg:    cfg,
		logger: logger,
		asm:    assembler.New(cfg.Assembler),
		prs:    parser.New(cfg.Parser),
		msk:    masker.New(cfg.FastPathMasking),
		tree:   drain.New(cfg.Drain),
		params: paramstats.New(paramstats.DefaultConfig()),
		corr:   correlation.New(cfg.Correlation),
		qidx:   queryindex.New(cfg.QueryIndex),
		sb:     summary.New(cfg.Anomaly),
		series: make(map[uint64]*temporal.Series),

		parallelCfg: defaultParallelPoolConfig(),
	}
}

// Ingest feeds one raw line through the pipeline. It returns a non-nil
// error only on context cancellation (spec.md §5 "cancellation token
// checked between logical entries"); recoverable per-line failures are
// accumulated into the error-sample stream and never returned.
func (a *Analyzer) Ingest(ctx context.Context, line types.RawLine) error {
	if err := ctx.Err(); err != nil {
		a.markIncomplete("cancelled")
		return err
	}

	metrics.RecordLineIngested()
	entries := a.asm.Push(line)
	for _, entry := range entries {
		metrics.RecordEntryAssembled()
		a.process(entry)
	}
	return nil
}

// Tick runs any time-driven maintenance: streaming-mode retained-buffer
// eviction to RetainedBufferCap (spec.md §4.9, "truncates oldest-first in
// streaming mode"). Batch drivers never need to call it.
func (a *Analyzer) Tick(now time.Time) {
	metrics.RecordStreamingTick()
	if a.cfg.RetainedBufferCap > 0 {
		if over := a.qidx.Len() - a.cfg.RetainedBufferCap; over > 0 {
			a.qidx.Evict(over)
		}
	}
}

// Finalize flushes any pending partial logical entries (e.g. an
// unterminated multi-line block at end-of-stream) through the pipeline.
// Call once after the last Ingest.
func (a *Analyzer) Finalize() {
	for _, entry := range a.asm.FlushAll() {
		a.process(entry)
	}
}

// process runs one logical entry through parse+mask and immediately
// reduces it — the single-line path used by Ingest (streaming mode and
// small batches). IngestBatch instead fans parseAndMask out across a
// worker pool before calling reduce serially (parallel.go).
func (a *Analyzer) process(entry types.LogicalEntry) {
	a.reduce(a.parseAndMask(entry, nil))
}

func (a *Analyzer) recordError(err *apperrors.AppError) {
	a.errTotal++
	if len(a.errSamples) < a.cfg.MaxErrorSamples {
		a.errSamples = append(a.errSamples, err.ToSample())
	}
}

func (a *Analyzer) markIncomplete(reason string) {
	a.incomplete = true
	a.incompleteReason = reason
}

// Snapshot renders the current accumulated state into summary.ClusterSnapshot
// values, decoupled from the mutable Drain clusters so summary rendering
// never races with ongoing ingestion (only relevant in streaming mode where
// the caller may render between ticks).
func (a *Analyzer) Snapshot() []summary.ClusterSnapshot {
	clusters := a.tree.Clusters()
	out := make([]summary.ClusterSnapshot, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, summary.ClusterSnapshot{
			ID:               c.ID,
			Template:         c.TemplateString(),
			TemplateTokens:   c.Template,
			MemberCount:      c.MemberCount,
			FirstSeen:        c.FirstSeen,
			LastSeen:         c.LastSeen,
			CreatedSeq:       c.CreatedSeq(),
			CreatedAt:        c.CreatedAt(),
			LevelHistogram:   c.LevelHistogram,
			ServiceHistogram: c.ServiceHistogram,
			HostHistogram:    c.HostHistogram,
			Examples:         c.Examples,
			Series:           a.series[c.ID],
			Params:           a.params.ParamsFor(c.ID),
		})
	}
	return out
}

// BuildSummary assembles a Document for view from the analyzer's current
// state. logsLines is only consulted for summary.ViewLogs; build it with a
// QueryIndex call (ByTemplate/ByTime/Context/BySource) per the caller's
// `pattern`/`start`/`end`/`before`/`after` options.
func (a *Analyzer) BuildSummary(view summary.View, opts summary.ShapingOptions, logsLines []queryindex.Line) summary.Document {
	buildStart := time.Now()
	doc := a.sb.Build(view, a.Snapshot(), a.totalLines, a.corr, a.params.Diffs(), logsLines,
		summary.ErrorSummary{Total: a.errTotal, Samples: a.errSamples}, opts)
	metrics.ObserveStageDuration("summary", time.Since(buildStart))
	doc.Incomplete = a.incomplete
	doc.IncompleteReason = a.incompleteReason

	for _, pa := range doc.Anomalies.PatternAnomalies {
		metrics.RecordAnomaly(string(pa.Kind))
	}
	for range doc.Anomalies.FieldAnomalies {
		metrics.RecordAnomaly("numeric_outlier")
	}
	for range doc.Anomalies.CardinalityIssues {
		metrics.RecordAnomaly("cardinality_explosion")
	}
	return doc
}

// QueryIndex exposes the retained-line buffer for logs-view retrieval.
func (a *Analyzer) QueryIndex() *queryindex.Index { return a.qidx }

// TotalLines is the number of lines analyzed so far.
func (a *Analyzer) TotalLines() int64 { return a.totalLines }

// ClusterByTemplate looks up a cluster's ID by its rendered template
// string, for callers resolving a `pattern` filter option (spec.md §6).
func (a *Analyzer) ClusterByTemplate(template string) (uint64, bool) {
	for _, c := range a.tree.Clusters() {
		if c.TemplateString() == template || matchesGeneralized(c.Template, template) {
			return c.ID, true
		}
	}
	return 0, false
}

func matchesGeneralized(template []string, pattern string) bool {
	patternTokens := strings.Fields(pattern)
	if len(patternTokens) != len(template) {
		return false
	}
	for i, tok := range template {
		if tok == drain.Wildcard {
			continue
		}
		if tok != patternTokens[i] {
			return false
		}
	}
	return true
}
