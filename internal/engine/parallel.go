package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/probelabs/logoscope/internal/drain"
	"github.com/probelabs/logoscope/internal/masker"
	"github.com/probelabs/logoscope/internal/metrics"
	"github.com/probelabs/logoscope/internal/queryindex"
	"github.com/probelabs/logoscope/internal/temporal"
	apperrors "github.com/probelabs/logoscope/pkg/errors"
	"github.com/probelabs/logoscope/pkg/types"
)

// parallelPoolConfig sizes the batch-mode parse+mask fan-out (spec.md §5:
// "parallel worker-local masking and cluster assignment, followed by a
// final merge... Drain insertion is the only shared-mutable hotspot").
// Adapted from the teacher's generic WorkerPoolConfig, trimmed to the one
// job shape this pipeline fans out.
type parallelPoolConfig struct {
	MaxWorkers    int
	LocalCacheCap int
}

func defaultParallelPoolConfig() parallelPoolConfig {
	return parallelPoolConfig{MaxWorkers: runtime.NumCPU(), LocalCacheCap: 1024}
}

// parseMaskResult is one logical entry's parse+mask outcome, written into a
// pre-sized slot so the single-threaded reducer can walk results in
// assembler order regardless of which worker produced them.
type parseMaskResult struct {
	rec      types.ParsedRecord
	tokens   []string
	parseErr *apperrors.AppError
}

// IngestBatch feeds a whole batch of raw lines through the pipeline,
// fanning the parse+mask stage out across a worker pool before reducing
// serially onto the Drain tree (spec.md §5's batch-mode concurrency model).
// It is equivalent to calling Ingest once per line but processes parse and
// masking off the calling goroutine; callers still must call Finalize once
// afterward. ctx is checked between logical entries, same as Ingest.
func (a *Analyzer) IngestBatch(ctx context.Context, lines []types.RawLine) error {
	var entries []types.LogicalEntry
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			a.markIncomplete("cancelled")
			return err
		}
		metrics.RecordLineIngested()
		entries = append(entries, a.asm.Push(line)...)
	}
	if len(entries) == 0 {
		return nil
	}
	for range entries {
		metrics.RecordEntryAssembled()
	}

	results := a.runParseMaskPool(ctx, entries)
	for i := range entries {
		if err := ctx.Err(); err != nil {
			a.markIncomplete("cancelled")
			return err
		}
		a.reduce(results[i])
	}
	return nil
}

// runParseMaskPool dispatches entries to a fixed pool of goroutines, each
// holding a worker-local mask cache, and returns results in entries order.
func (a *Analyzer) runParseMaskPool(ctx context.Context, entries []types.LogicalEntry) []parseMaskResult {
	cfg := a.parallelCfg
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.MaxWorkers > len(entries) {
		cfg.MaxWorkers = len(entries)
	}
	if cfg.MaxWorkers <= 1 {
		return a.runParseMaskSerial(entries)
	}

	type job struct {
		index int
		entry types.LogicalEntry
	}
	jobs := make(chan job, len(entries))
	results := make([]parseMaskResult, len(entries))

	var wg sync.WaitGroup
	for w := 0; w < cfg.MaxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache := masker.NewLocalCache(cfg.LocalCacheCap)
			for j := range jobs {
				results[j.index] = a.parseAndMask(j.entry, cache)
			}
		}()
	}
	for i, e := range entries {
		jobs <- job{index: i, entry: e}
	}
	close(jobs)
	wg.Wait()
	return results
}

func (a *Analyzer) runParseMaskSerial(entries []types.LogicalEntry) []parseMaskResult {
	results := make([]parseMaskResult, len(entries))
	for i, e := range entries {
		results[i] = a.parseAndMask(e, nil)
	}
	return results
}

// parseAndMask runs the stateless parse and mask stages for one entry. When
// cache is non-nil, masking consults a worker-local LRU first and runs the
// full Masker (fast path included) only on a cache miss (spec.md §5
// "worker-local mask caches, default 1024 entries").
func (a *Analyzer) parseAndMask(entry types.LogicalEntry, cache *masker.LocalCache) parseMaskResult {
	parseStart := time.Now()
	rec, parseErr := a.prs.Parse(entry)
	metrics.ObserveStageDuration("parse", time.Since(parseStart))

	maskStart := time.Now()
	var masked string
	if cache != nil {
		masked, _ = a.msk.MaskCached(rec.MessageFor(), cache)
	} else {
		masked, _ = a.msk.Mask(rec.MessageFor())
	}
	metrics.ObserveStageDuration("mask", time.Since(maskStart))

	return parseMaskResult{rec: rec, tokens: drain.Tokenize(masked), parseErr: parseErr}
}

// reduce folds one parse+mask result into the shared Drain tree and every
// downstream stage. This runs single-threaded: it is the only
// shared-mutable hotspot in the pipeline (spec.md §5).
func (a *Analyzer) reduce(r parseMaskResult) {
	rec, tokens, parseErr := r.rec, r.tokens, r.parseErr
	if parseErr != nil {
		a.recordError(parseErr)
	}

	meta := drain.InsertMeta{
		SourceID: rec.SourceID, LineOrdinal: rec.LineOrdinal,
		Timestamp: rec.Timestamp, HasTimestamp: rec.HasTimestamp,
		Level: rec.Level, Service: rec.Service, Host: rec.Host,
		RawText: rec.Text,
	}

	drainStart := time.Now()
	evictionsBefore := a.tree.Evictions()
	result := a.tree.Insert(tokens, meta)
	metrics.ObserveStageDuration("drain", time.Since(drainStart))
	cluster := result.Cluster
	a.totalLines++

	if result.Overflow {
		metrics.RecordOverflowLine()
	}
	metrics.SetClustersTotal(a.tree.Len())
	for i := int64(0); i < a.tree.Evictions()-evictionsBefore; i++ {
		metrics.RecordClusterEviction()
	}

	// Parameter stats take the raw (pre-mask) tokens; when masking changed
	// the token count the positions no longer line up, so the masked tokens
	// are used instead.
	paramTokens := tokens
	if raw := drain.Tokenize(rec.MessageFor()); len(raw) == len(tokens) {
		paramTokens = raw
	}
	a.params.ObserveTemplate(cluster.ID, cluster.Template, paramTokens)
	if rec.Kind == types.KindJSON {
		a.params.ObserveJSON(rec.AllFields, rec.Timestamp)
	}

	series, ok := a.series[cluster.ID]
	if !ok {
		series = temporal.NewSeries(a.cfg.Temporal)
		a.series[cluster.ID] = series
	}
	ts := rec.Timestamp
	if !rec.HasTimestamp {
		ts = time.Unix(0, 0).UTC()
	}
	series.Observe(ts)

	a.corr.Observe(cluster.ID, ts)
	a.qidx.Add(queryindex.LineFrom(rec, cluster.ID, cluster.TemplateString()))

	if a.cfg.FailFast && parseErr != nil {
		a.logger.WithFields(logrus.Fields{"source_id": rec.SourceID, "line": rec.LineOrdinal}).
			Error("line-level parse error with fail_fast set; marking run incomplete")
		a.markIncomplete("fail_fast")
	}
}
