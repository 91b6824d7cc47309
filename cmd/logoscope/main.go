package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/probelabs/logoscope/internal/config"
	"github.com/probelabs/logoscope/internal/engine"
	"github.com/probelabs/logoscope/internal/metrics"
	"github.com/probelabs/logoscope/internal/queryindex"
	"github.com/probelabs/logoscope/internal/summary"
	"github.com/probelabs/logoscope/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile  = flag.String("config", "", "path to a YAML config file")
		viewFlag    = flag.String("view", "", "full|triage|verbose|deep|patterns|logs")
		startFlag   = flag.String("start", "", "RFC3339 window start")
		endFlag     = flag.String("end", "", "RFC3339 window end")
		patternFlag = flag.String("pattern", "", "template filter for logs view")
		matchFlag   = flag.String("match", "", "regex include filter for patterns views")
		excludeFlag = flag.String("exclude", "", "regex exclude filter for patterns views")
		levelFlag   = flag.String("level", "", "minimum severity filter")
		serviceFlag = flag.String("service", "", "source service filter")
		hostFlag    = flag.String("host", "", "source host filter")
		topFlag     = flag.Int("top", 0, "limit to the top N patterns")
		minCount    = flag.Int64("min-count", 0, "minimum total_count to include a pattern")
		minFreq     = flag.Float64("min-frequency", 0, "minimum frequency to include a pattern")
		examples    = flag.Int("examples", 0, "examples per pattern")
		maxPatterns = flag.Int("max-patterns", 0, "cap on returned patterns")
		beforeFlag  = flag.Int64("before", 0, "lines of context before a logs-view match")
		afterFlag   = flag.Int64("after", 0, "lines of context after a logs-view match")
		followFlag  = flag.Bool("follow", false, "streaming mode: poll file arguments for new lines")
		interval    = flag.Duration("interval", 0, "streaming poll interval")
		window      = flag.Duration("window", 0, "streaming full-summary emission period")
		failFast    = flag.Bool("fail-fast", false, "abort on the first line-level error")
		formatFlag  = flag.String("format", "", "json|table")
		groupByFlag = flag.String("group-by", "", "none|service|level")
		sortFlag    = flag.String("sort", "", "count|freq|bursts|confidence")
		metricsAddr = flag.String("metrics-addr", "", "bind address for /metrics and /healthz (empty disables)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logoscope: config error: %v\n", err)
		return 1
	}
	applyFlagOverrides(cfg, *viewFlag, *startFlag, *endFlag, *patternFlag, *matchFlag, *excludeFlag,
		*levelFlag, *serviceFlag, *hostFlag, *topFlag, *minCount, *minFreq, *examples, *maxPatterns,
		*beforeFlag, *afterFlag, *followFlag, *interval, *window, *failFast, *formatFlag, *groupByFlag,
		*sortFlag, *metricsAddr)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logoscope: %v\n", err)
		return 1
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var metricsServer *metrics.Server
	if cfg.App.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.App.MetricsAddr, logger)
		metricsServer.Start()
		defer metricsServer.Stop()
	}

	a := engine.New(config.EngineConfig(cfg), logger)
	sources := flag.Args()

	var exitCode int
	if cfg.App.Follow && len(sources) > 0 {
		exitCode = runFollow(a, cfg, sources)
	} else {
		exitCode = runBatch(a, cfg, sources)
	}
	return exitCode
}

func applyFlagOverrides(cfg *config.Config, view, start, end, pattern, match, exclude, level, service, host string,
	top int, minCount int64, minFreq float64, examples, maxPatterns int, before, after int64,
	follow bool, interval, window time.Duration, failFast bool, format, groupBy, sort, metricsAddr string) {
	if view != "" {
		cfg.View.View = view
	}
	if start != "" {
		cfg.View.Start = start
	}
	if end != "" {
		cfg.View.End = end
	}
	if pattern != "" {
		cfg.View.Pattern = pattern
	}
	if match != "" {
		cfg.View.Match = match
	}
	if exclude != "" {
		cfg.View.Exclude = exclude
	}
	if level != "" {
		cfg.View.Level = level
	}
	if service != "" {
		cfg.View.Service = service
	}
	if host != "" {
		cfg.View.Host = host
	}
	if top > 0 {
		cfg.View.Top = top
	}
	if minCount > 0 {
		cfg.View.MinCount = minCount
	}
	if minFreq > 0 {
		cfg.View.MinFrequency = minFreq
	}
	if examples > 0 {
		cfg.View.Examples = examples
	}
	if maxPatterns > 0 {
		cfg.View.MaxPatterns = maxPatterns
	}
	if before > 0 {
		cfg.View.Before = before
	}
	if after > 0 {
		cfg.View.After = after
	}
	if follow {
		cfg.App.Follow = true
	}
	if interval > 0 {
		cfg.App.Interval = interval
	}
	if window > 0 {
		cfg.App.Window = window
	}
	if failFast {
		cfg.App.FailFast = true
	}
	if format != "" {
		cfg.View.Format = format
	}
	if groupBy != "" {
		cfg.View.GroupBy = groupBy
	}
	if sort != "" {
		cfg.View.Sort = sort
	}
	if metricsAddr != "" {
		cfg.App.MetricsAddr = metricsAddr
	}
}

// runBatch ingests every source to completion, then prints one JSON summary
// document to stdout (spec.md §6 "a single JSON document on stdout for
// batch runs").
func runBatch(a *engine.Analyzer, cfg *config.Config, sources []string) int {
	if len(sources) == 0 {
		sources = []string{"-"}
	}
	for _, src := range sources {
		if err := ingestSource(context.Background(), a, src); err != nil {
			fmt.Fprintf(os.Stderr, "logoscope: %v\n", err)
			return 1
		}
	}
	a.Finalize()

	doc := buildDoc(a, cfg)
	printJSON(doc)
	return exitCodeFor(doc, cfg)
}

// runFollow polls each file source for appended lines, emitting periodic
// full summaries on stdout and compact status lines on stderr (spec.md §6
// streaming outputs; the `--follow` polling loop itself lives in the CLI,
// not the core analyzer per spec.md §1 non-goals).
func runFollow(a *engine.Analyzer, cfg *config.Config, sources []string) int {
	offsets := make(map[string]int64, len(sources))
	pid := int32(os.Getpid())
	proc, _ := process.NewProcess(pid)

	ticker := time.NewTicker(cfg.App.Interval)
	defer ticker.Stop()
	windowTicker := time.NewTicker(cfg.App.Window)
	defer windowTicker.Stop()

	sig := make(chan struct{})
	defer close(sig)

	for {
		for _, src := range sources {
			n, err := pollFile(a, src, offsets[src])
			if err != nil {
				fmt.Fprintf(os.Stderr, "logoscope: %v\n", err)
				continue
			}
			offsets[src] = n
		}
		a.Tick(time.Now())

		select {
		case <-ticker.C:
			emitStatusLine(proc)
		case <-windowTicker.C:
			doc := buildDoc(a, cfg)
			printJSON(doc)
			if code := exitCodeFor(doc, cfg); code == 3 {
				return code
			}
		}

		if cfg.App.MaxLines > 0 && a.TotalLines() >= cfg.App.MaxLines {
			a.Finalize()
			doc := buildDoc(a, cfg)
			printJSON(doc)
			return exitCodeFor(doc, cfg)
		}
	}
}

func pollFile(a *engine.Analyzer, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var ordinal int64
	consumed := offset
	for scanner.Scan() {
		line := scanner.Text()
		consumed += int64(len(line)) + 1
		text := strings.ToValidUTF8(line, "�")
		a.Ingest(context.Background(), types.RawLine{SourceID: path, LineOrdinal: ordinal, Text: text})
		ordinal++
	}
	return consumed, scanner.Err()
}

// ingestSource reads a whole source into memory and runs it through
// IngestBatch, which fans parse+mask out across a worker pool before
// reducing onto the Drain tree (spec.md §5's batch-mode concurrency model).
func ingestSource(ctx context.Context, a *engine.Analyzer, path string) error {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		opened, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer opened.Close()
		f = opened
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var ordinal int64
	var lines []types.RawLine
	for scanner.Scan() {
		text := strings.ToValidUTF8(scanner.Text(), "�")
		lines = append(lines, types.RawLine{SourceID: path, LineOrdinal: ordinal, Text: text})
		ordinal++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := a.IngestBatch(ctx, lines); err != nil {
		return nil // cancellation: partial result, exit code 0
	}
	return nil
}

func buildDoc(a *engine.Analyzer, cfg *config.Config) summary.Document {
	view := config.SummaryView(cfg)
	opts := config.ShapingOptions(cfg)
	opts.MatchFilter = buildMatchFilter(cfg.View.Match, cfg.View.Exclude)

	var logsLines []queryindex.Line
	if view == summary.ViewLogs {
		logsLines = resolveLogsLines(a, cfg)
	}
	return a.BuildSummary(view, opts, logsLines)
}

func buildMatchFilter(match, exclude string) func(string) bool {
	var matchRe, excludeRe *regexp.Regexp
	if match != "" {
		matchRe = regexp.MustCompile(match)
	}
	if exclude != "" {
		excludeRe = regexp.MustCompile(exclude)
	}
	if matchRe == nil && excludeRe == nil {
		return nil
	}
	return func(template string) bool {
		if matchRe != nil && !matchRe.MatchString(template) {
			return false
		}
		if excludeRe != nil && excludeRe.MatchString(template) {
			return false
		}
		return true
	}
}

func resolveLogsLines(a *engine.Analyzer, cfg *config.Config) []queryindex.Line {
	idx := a.QueryIndex()
	switch {
	case cfg.View.Pattern != "":
		clusterID, ok := a.ClusterByTemplate(cfg.View.Pattern)
		if !ok {
			return nil
		}
		lines := idx.ByTemplate(clusterID)
		if cfg.View.Before > 0 || cfg.View.After > 0 {
			return expandContext(idx, lines, cfg.View.Before, cfg.View.After)
		}
		return lines
	case cfg.View.Start != "" || cfg.View.End != "":
		start, end := parseWindow(cfg.View.Start, cfg.View.End)
		return idx.ByTime(start, end, nil)
	default:
		return idx.BySource("")
	}
}

func expandContext(idx *queryindex.Index, lines []queryindex.Line, before, after int64) []queryindex.Line {
	if len(lines) == 0 {
		return lines
	}
	first := lines[0]
	return idx.Context(first.SourceID, first.LineOrdinal, before, after)
}

func parseWindow(start, end string) (time.Time, time.Time) {
	var s, e time.Time
	if start != "" {
		s, _ = time.Parse(time.RFC3339, start)
	}
	if end != "" {
		e, _ = time.Parse(time.RFC3339, end)
	} else {
		e = time.Now().UTC()
	}
	return s, e
}

func printJSON(doc summary.Document) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(doc)
}

func exitCodeFor(doc summary.Document, cfg *config.Config) int {
	if doc.IncompleteReason == "fail_fast" {
		return 3
	}
	if cfg.Tuning.AnomalyThreshold > 0 {
		total := len(doc.Anomalies.PatternAnomalies) + len(doc.Anomalies.FieldAnomalies) + len(doc.Anomalies.CardinalityIssues)
		if total > cfg.Tuning.AnomalyThreshold {
			return 2
		}
	}
	return 0
}

func emitStatusLine(proc *process.Process) {
	var rssMB float64
	if proc != nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			rssMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	fmt.Fprintf(os.Stderr, "logoscope: goroutines=%d rss_mb=%s\n", runtime.NumGoroutine(), strconv.FormatFloat(rssMB, 'f', 1, 64))
}
