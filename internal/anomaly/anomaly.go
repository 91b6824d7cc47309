// Package anomaly implements the Field & Pattern Anomaly detector (spec.md
// §4.7): robust numeric outliers, per-position cardinality explosions, and
// new/rare pattern detection, all computed against the total analyzed-line
// count.
package anomaly

import (
	"strconv"
	"time"

	"github.com/probelabs/logoscope/internal/paramstats"
)

const (
	defaultZThreshold           = 3.5
	defaultCardinalityRatio     = 0.8
	defaultCardinalityMinTotal  = 50
	defaultNewPatternWindowFrac = 0.05
	defaultNewPatternFrequency  = 0.001
	defaultRareThreshold        = 0.001
)

// Config holds the detector's tunables (spec.md §4.7 defaults).
type Config struct {
	ZThreshold           float64
	CardinalityRatio     float64
	CardinalityMinTotal  int64
	NewPatternWindowFrac float64
	NewPatternFrequency  float64
	RareThreshold        float64
}

func DefaultConfig() Config {
	return Config{
		ZThreshold:           defaultZThreshold,
		CardinalityRatio:     defaultCardinalityRatio,
		CardinalityMinTotal:  defaultCardinalityMinTotal,
		NewPatternWindowFrac: defaultNewPatternWindowFrac,
		NewPatternFrequency:  defaultNewPatternFrequency,
		RareThreshold:        defaultRareThreshold,
	}
}

// FieldLabel identifies where a field anomaly occurred: either a Drain
// template's variable position, or a JSON field path.
type FieldLabel struct {
	Position int    `json:"position,omitempty"` // parameter position within the template, when Path == ""
	Path     string `json:"path,omitempty"`      // JSON field path, when non-empty
}

// NumericOutlier is a single value whose robust z-score crossed the
// threshold (spec.md §4.7).
type NumericOutlier struct {
	ClusterID uint64     `json:"cluster_id"`
	Template  string     `json:"template"`
	Field     FieldLabel `json:"field"`
	Value     string     `json:"value"`
	ZScore    float64    `json:"z_score"`
}

// CardinalityExplosion flags a position/field whose observed value set is
// nearly all-unique (spec.md §4.7).
type CardinalityExplosion struct {
	ClusterID uint64     `json:"cluster_id"`
	Template  string     `json:"template"`
	Field     FieldLabel `json:"field"`
	Unique    int64      `json:"unique"`
	Total     int64      `json:"total"`
}

// PatternAnomaly flags a cluster as new or rare (spec.md §4.7).
type PatternAnomaly struct {
	ClusterID uint64      `json:"cluster_id"`
	Template  string      `json:"template"`
	Kind      PatternKind `json:"kind"`
	Frequency float64     `json:"frequency"`
}

type PatternKind string

const (
	PatternNew  PatternKind = "new_pattern"
	PatternRare PatternKind = "rare_pattern"
)

// ClusterInfo is the minimal view the detector needs of a Drain cluster:
// enough to compute pattern-level anomalies without importing the drain
// package's mutable internals.
type ClusterInfo struct {
	ID          uint64
	Template    string
	MemberCount int64
	CreatedSeq  int64     // the ordinal (count-based) position at creation
	CreatedAt   time.Time // the timestamp at creation, if known
}

// Detector computes field and pattern anomalies against a fixed snapshot of
// accumulated state. It holds no state of its own between calls — the
// caller supplies the current totals each time (spec.md §5: analysis
// derives from accumulated Drain/paramstats/temporal state, not a separate
// running model).
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	if cfg.ZThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{cfg: cfg}
}

// NumericOutliers scans every numeric position of params looking for
// values whose robust z-score is at or above the configured threshold. The
// median and MAD come from the reservoir kept by paramstats; the values
// scored are those in the position's top-K value tally (Counts), so only
// values still held in that tally are reported. A position whose MAD is
// zero reports nothing.
func (d *Detector) NumericOutliers(clusterID uint64, template string, params *paramstats.ClusterParams) []NumericOutlier {
	if params == nil {
		return nil
	}
	var out []NumericOutlier
	for pos, ps := range params.Positions {
		if !ps.IsNumeric() {
			continue
		}
		ns := ps.Numeric()
		if ns.MAD == 0 {
			continue
		}
		for raw := range ps.Counts {
			f, err := parseFloatSafe(raw)
			if err != nil {
				continue
			}
			z := 0.6745 * absFloat(f-ns.Median) / ns.MAD
			if z >= d.cfg.ZThreshold {
				out = append(out, NumericOutlier{
					ClusterID: clusterID,
					Template:  template,
					Field:     FieldLabel{Position: pos},
					Value:     raw,
					ZScore:    z,
				})
			}
		}
	}
	return out
}

// CardinalityExplosions scans every position of params for near-all-unique
// value sets (spec.md §4.7).
func (d *Detector) CardinalityExplosions(clusterID uint64, template string, params *paramstats.ClusterParams) []CardinalityExplosion {
	if params == nil {
		return nil
	}
	var out []CardinalityExplosion
	for pos, ps := range params.Positions {
		if ps.Total < d.cfg.CardinalityMinTotal {
			continue
		}
		unique := int64(len(ps.Counts)) + boolToInt64(ps.OtherCount > 0)
		if float64(unique)/float64(ps.Total) >= d.cfg.CardinalityRatio {
			out = append(out, CardinalityExplosion{
				ClusterID: clusterID,
				Template:  template,
				Field:     FieldLabel{Position: pos},
				Unique:    unique,
				Total:     ps.Total,
			})
		}
	}
	return out
}

// PatternAnomalies classifies each cluster as new and/or rare given the
// total analyzed-line count and the count/time position marking the end of
// the input window's first 5% (spec.md §4.7: "by count or time, whichever
// is stricter").
func (d *Detector) PatternAnomalies(clusters []ClusterInfo, totalLines int64, windowStart, windowEnd time.Time, firstSeq int64) []PatternAnomaly {
	if totalLines == 0 {
		return nil
	}
	var out []PatternAnomaly

	earlyCountCutoff := firstSeq + int64(d.cfg.NewPatternWindowFrac*float64(totalLines))
	var earlyTimeCutoff time.Time
	if !windowStart.IsZero() && !windowEnd.IsZero() && windowEnd.After(windowStart) {
		span := windowEnd.Sub(windowStart)
		earlyTimeCutoff = windowStart.Add(time.Duration(d.cfg.NewPatternWindowFrac * float64(span)))
	}

	for _, c := range clusters {
		freq := float64(c.MemberCount) / float64(totalLines)

		isEarlyByCount := c.CreatedSeq <= earlyCountCutoff
		isEarlyByTime := earlyTimeCutoff.IsZero() || !c.CreatedAt.After(earlyTimeCutoff)
		// "Whichever is stricter" means a cluster only counts as early
		// (and thus exempt from "new") if BOTH signals agree it's early.
		createdEarly := isEarlyByCount && isEarlyByTime

		if !createdEarly && freq < d.cfg.NewPatternFrequency {
			out = append(out, PatternAnomaly{ClusterID: c.ID, Template: c.Template, Kind: PatternNew, Frequency: freq})
		}
		if freq < d.cfg.RareThreshold {
			out = append(out, PatternAnomaly{ClusterID: c.ID, Template: c.Template, Kind: PatternRare, Frequency: freq})
		}
	}
	return out
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func parseFloatSafe(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
