// Package queryindex implements the Query Index (spec.md §4.9): retrieval
// over the retained line buffer by template, time range, context window,
// and (the supplemented fourth shape) by source.
package queryindex

import (
	"sort"
	"time"

	"github.com/probelabs/logoscope/pkg/types"
)

const defaultResultCap = 10000

// Line is one retained, fully-analyzed line: enough to answer every
// retrieval shape without re-walking the pipeline.
type Line struct {
	SourceID    string    `json:"source_id"`
	LineOrdinal int64     `json:"line_ordinal"`
	Timestamp   time.Time `json:"timestamp"`
	Template    string    `json:"template"` // the cluster's generalized template string
	ClusterID   uint64    `json:"cluster_id"`
	Text        string    `json:"text"`
}

// Config holds the index's tunables (spec.md §4.9 defaults).
type Config struct {
	ResultCap int
}

func DefaultConfig() Config {
	return Config{ResultCap: defaultResultCap}
}

// Index is an append-only retained-line buffer with retrieval by template,
// time, ordinal-context, and source. In streaming mode, Evict drops the
// oldest lines to respect a caller-managed retention window; the buffer
// itself stays in (timestamp, source_id, line_ordinal) order (spec.md §5).
type Index struct {
	cfg   Config
	lines []Line

	bySourceOrdinal map[string][]int // source_id -> indices into lines, ordinal-sorted
}

func New(cfg Config) *Index {
	if cfg.ResultCap <= 0 {
		cfg.ResultCap = defaultResultCap
	}
	return &Index{cfg: cfg, bySourceOrdinal: make(map[string][]int)}
}

// Add appends one retained line. Callers are expected to call Add in
// (timestamp, source_id, line_ordinal) order (spec.md invariant I3); Add
// does not itself re-sort.
func (idx *Index) Add(l Line) {
	idx.lines = append(idx.lines, l)
	pos := len(idx.lines) - 1
	idx.bySourceOrdinal[l.SourceID] = append(idx.bySourceOrdinal[l.SourceID], pos)
}

// Evict drops the oldest n retained lines (streaming-mode retention,
// spec.md §4.9 "truncates oldest-first in streaming mode"). The
// by-source index is rebuilt; call infrequently relative to Add.
func (idx *Index) Evict(n int) {
	if n <= 0 {
		return
	}
	if n >= len(idx.lines) {
		idx.lines = nil
		idx.bySourceOrdinal = make(map[string][]int)
		return
	}
	idx.lines = idx.lines[n:]
	idx.bySourceOrdinal = make(map[string][]int, len(idx.bySourceOrdinal))
	for i, l := range idx.lines {
		idx.bySourceOrdinal[l.SourceID] = append(idx.bySourceOrdinal[l.SourceID], i)
	}
}

// Len is the number of lines currently retained.
func (idx *Index) Len() int { return len(idx.lines) }

// ByTemplate returns every retained line assigned to clusterID, oldest
// first, capped at ResultCap.
func (idx *Index) ByTemplate(clusterID uint64) []Line {
	var out []Line
	for _, l := range idx.lines {
		if l.ClusterID == clusterID {
			out = append(out, l)
			if len(out) >= idx.cfg.ResultCap {
				break
			}
		}
	}
	return out
}

// ByTime returns every retained line in the half-open [start, end) range,
// optionally filtered to one cluster, in (timestamp, line_ordinal) order
// (spec.md §4.9).
func (idx *Index) ByTime(start, end time.Time, clusterID *uint64) []Line {
	var out []Line
	for _, l := range idx.lines {
		if l.Timestamp.Before(start) || !l.Timestamp.Before(end) {
			continue
		}
		if clusterID != nil && l.ClusterID != *clusterID {
			continue
		}
		out = append(out, l)
		if len(out) >= idx.cfg.ResultCap {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].LineOrdinal < out[j].LineOrdinal
	})
	return out
}

// Context returns the lines from sourceID whose ordinals lie in
// [ordinal-before, ordinal+after] (spec.md §4.9).
func (idx *Index) Context(sourceID string, ordinal int64, before, after int64) []Line {
	positions := idx.bySourceOrdinal[sourceID]
	lo, hi := ordinal-before, ordinal+after
	var out []Line
	for _, pos := range positions {
		l := idx.lines[pos]
		if l.LineOrdinal >= lo && l.LineOrdinal <= hi {
			out = append(out, l)
			if len(out) >= idx.cfg.ResultCap {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineOrdinal < out[j].LineOrdinal })
	return out
}

// BySource returns every retained line from sourceID, oldest first
// (supplemented fourth retrieval shape).
func (idx *Index) BySource(sourceID string) []Line {
	positions := idx.bySourceOrdinal[sourceID]
	out := make([]Line, 0, len(positions))
	for _, pos := range positions {
		out = append(out, idx.lines[pos])
		if len(out) >= idx.cfg.ResultCap {
			break
		}
	}
	return out
}

// LineFrom builds a retained Line from a fully-analyzed record and the
// cluster it was assigned to.
func LineFrom(rec types.ParsedRecord, clusterID uint64, template string) Line {
	return Line{
		SourceID:    rec.SourceID,
		LineOrdinal: rec.LineOrdinal,
		Timestamp:   rec.Timestamp,
		Template:    template,
		ClusterID:   clusterID,
		Text:        rec.Text,
	}
}
