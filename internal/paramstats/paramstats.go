// Package paramstats implements the Parameter & Schema Tracker (spec.md
// §4.5): per-cluster, per-variable-position value tallies with numeric
// stats, and a JSON schema-fingerprint diff stream.
package paramstats

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/probelabs/logoscope/internal/drain"
	"github.com/probelabs/logoscope/pkg/types"
)

const defaultTopK = 64
const defaultReservoirCap = 2000

// Config holds the tracker's tunables (spec.md §4.5 defaults).
type Config struct {
	TopK         int
	ReservoirCap int
}

func DefaultConfig() Config {
	return Config{TopK: defaultTopK, ReservoirCap: defaultReservoirCap}
}

// PositionStats is one variable position's accumulated tally and numeric
// summary.
type PositionStats struct {
	Counts     map[string]int64
	OtherCount int64
	Total      int64

	numericTotal int64
	reservoir    []float64
	min, max     float64
	haveMinMax   bool
}

// NumericStats is the read-only snapshot of a position's running numeric
// summary, computed on demand from the reservoir.
type NumericStats struct {
	Count  int64   `json:"count"`
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// IsNumeric reports whether ≥ 50% of observed values at this position
// parsed as numbers (spec.md §4.5 trigger condition).
func (p *PositionStats) IsNumeric() bool {
	return p.Total > 0 && float64(p.numericTotal)/float64(p.Total) >= 0.5
}

// Numeric computes the position's running numeric stats from its bounded
// reservoir.
func (p *PositionStats) Numeric() NumericStats {
	if len(p.reservoir) == 0 {
		return NumericStats{}
	}
	sorted := append([]float64(nil), p.reservoir...)
	sort.Float64s(sorted)
	median := percentile(sorted, 0.5)
	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	mad := percentile(deviations, 0.5)
	return NumericStats{
		Count:  int64(len(p.reservoir)),
		Median: median,
		MAD:    mad,
		Min:    p.min,
		Max:    p.max,
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// TopValues returns up to n of the most frequent observed values at this
// position, most frequent first.
func (p *PositionStats) TopValues(n int) []ValueCount {
	out := make([]ValueCount, 0, len(p.Counts))
	for v, c := range p.Counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ValueCount is one observed value and its count.
type ValueCount struct {
	Value string
	Count int64
}

// ClusterParams holds per-position tallies for one cluster, keyed by
// variable position index within the cluster's template.
type ClusterParams struct {
	cfg       Config
	Positions map[int]*PositionStats
}

func newClusterParams(cfg Config) *ClusterParams {
	return &ClusterParams{cfg: cfg, Positions: make(map[int]*PositionStats)}
}

func (cp *ClusterParams) observe(position int, raw string) {
	ps, ok := cp.Positions[position]
	if !ok {
		ps = &PositionStats{Counts: make(map[string]int64)}
		cp.Positions[position] = ps
	}
	ps.Total++

	if _, exists := ps.Counts[raw]; exists {
		ps.Counts[raw]++
	} else if int64(len(ps.Counts)) < int64(cp.cfg.TopK) {
		ps.Counts[raw] = 1
	} else {
		ps.OtherCount++
	}

	if f, err := parseFloat(raw); err == nil {
		ps.numericTotal++
		if !ps.haveMinMax || f < ps.min {
			ps.min = f
		}
		if !ps.haveMinMax || f > ps.max {
			ps.max = f
		}
		ps.haveMinMax = true
		if len(ps.reservoir) < cp.cfg.ReservoirCap {
			ps.reservoir = append(ps.reservoir, f)
		} else {
			// Once full, every new value overwrites slot Total % ReservoirCap
			// (a round-robin cursor, not random replacement), bounding growth.
			idx := int(ps.Total) % cp.cfg.ReservoirCap
			ps.reservoir[idx] = f
		}
	}
}

// Tracker is the per-cluster parameter tracker plus the global schema
// fingerprint diff stream.
type Tracker struct {
	cfg     Config
	byCluster map[uint64]*ClusterParams
	lastFP  map[string]types.ValueTag // most recent JSON schema fingerprint
	diffs   []SchemaChange
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.ReservoirCap <= 0 {
		cfg.ReservoirCap = defaultReservoirCap
	}
	return &Tracker{cfg: cfg, byCluster: make(map[uint64]*ClusterParams), lastFP: make(map[string]types.ValueTag)}
}

// ObserveTemplate records the raw token observed at every wildcard position
// of template for clusterID (spec.md §4.5).
func (t *Tracker) ObserveTemplate(clusterID uint64, template, rawTokens []string) {
	if len(template) != len(rawTokens) {
		return
	}
	cp, ok := t.byCluster[clusterID]
	if !ok {
		cp = newClusterParams(t.cfg)
		t.byCluster[clusterID] = cp
	}
	for i, tok := range template {
		if tok == drain.Wildcard {
			cp.observe(i, rawTokens[i])
		}
	}
}

// ParamsFor returns the accumulated parameter stats for a cluster, or nil.
func (t *Tracker) ParamsFor(clusterID uint64) *ClusterParams {
	return t.byCluster[clusterID]
}

// EventKind enumerates schema-diff event kinds (spec.md §4.5).
type EventKind string

const (
	FieldAdded   EventKind = "field_added"
	FieldRemoved EventKind = "field_removed"
	TypeChanged  EventKind = "type_changed"
)

// SchemaChange is one schema-fingerprint diff event.
type SchemaChange struct {
	Kind      EventKind      `json:"kind"`
	Field     string         `json:"field"`
	OldType   types.ValueTag `json:"old_type,omitempty"`
	NewType   types.ValueTag `json:"new_type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Impact    string         `json:"impact,omitempty"` // set by the caller when the event falls within a burst window
}

// ObserveJSON records one JSON record's schema fingerprint and appends any
// diff events versus the previous fingerprint. Consecutive identical
// fingerprints are collapsed (no events emitted); diffs are appended in the
// chronological order records are observed (spec.md §4.5, invariant I4).
func (t *Tracker) ObserveJSON(fields []types.FieldValue, ts time.Time) []SchemaChange {
	fp := make(map[string]types.ValueTag, len(fields))
	for _, f := range fields {
		fp[f.Path] = f.Tag
	}

	if mapsEqual(fp, t.lastFP) {
		return nil
	}

	var events []SchemaChange
	for path, tag := range fp {
		oldTag, existed := t.lastFP[path]
		if !existed {
			events = append(events, SchemaChange{Kind: FieldAdded, Field: path, NewType: tag, Timestamp: ts})
		} else if oldTag != tag {
			events = append(events, SchemaChange{Kind: TypeChanged, Field: path, OldType: oldTag, NewType: tag, Timestamp: ts})
		}
	}
	for path, oldTag := range t.lastFP {
		if _, still := fp[path]; !still {
			events = append(events, SchemaChange{Kind: FieldRemoved, Field: path, OldType: oldTag, Timestamp: ts})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Field < events[j].Field })

	t.lastFP = fp
	t.diffs = append(t.diffs, events...)
	return events
}

// Diffs returns every schema-change event observed so far, in chronological
// order.
func (t *Tracker) Diffs() []SchemaChange { return t.diffs }

func mapsEqual(a, b map[string]types.ValueTag) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
