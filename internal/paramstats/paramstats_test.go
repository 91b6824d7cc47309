package paramstats

import (
	"testing"
	"time"

	"github.com/probelabs/logoscope/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestObserveTemplateTalliesWildcardPositions(t *testing.T) {
	tr := New(DefaultConfig())
	template := []string{"connect", "to", "<*>", "failed"}

	tr.ObserveTemplate(1, template, []string{"connect", "to", "alpha", "failed"})
	tr.ObserveTemplate(1, template, []string{"connect", "to", "beta", "failed"})
	tr.ObserveTemplate(1, template, []string{"connect", "to", "alpha", "failed"})

	params := tr.ParamsFor(1)
	assert.NotNil(t, params)
	pos := params.Positions[2]
	assert.EqualValues(t, 3, pos.Total)
	assert.EqualValues(t, 2, pos.Counts["alpha"])
	assert.EqualValues(t, 1, pos.Counts["beta"])
}

func TestObserveTemplateIgnoresLengthMismatch(t *testing.T) {
	tr := New(DefaultConfig())
	tr.ObserveTemplate(1, []string{"a", "<*>"}, []string{"a"})
	assert.Nil(t, tr.ParamsFor(1))
}

func TestTopKCapOverflowsToOther(t *testing.T) {
	cfg := Config{TopK: 2, ReservoirCap: defaultReservoirCap}
	tr := New(cfg)
	template := []string{"<*>"}
	tr.ObserveTemplate(1, template, []string{"a"})
	tr.ObserveTemplate(1, template, []string{"b"})
	tr.ObserveTemplate(1, template, []string{"c"})

	pos := tr.ParamsFor(1).Positions[0]
	assert.Len(t, pos.Counts, 2)
	assert.EqualValues(t, 1, pos.OtherCount)
}

func TestIsNumericTriggerAtFiftyPercent(t *testing.T) {
	tr := New(DefaultConfig())
	template := []string{"<*>"}
	tr.ObserveTemplate(1, template, []string{"12"})
	tr.ObserveTemplate(1, template, []string{"notanumber"})

	pos := tr.ParamsFor(1).Positions[0]
	assert.True(t, pos.IsNumeric())
}

func TestNumericStatsMedianAndMAD(t *testing.T) {
	tr := New(DefaultConfig())
	template := []string{"<*>"}
	for _, v := range []string{"1", "2", "3", "4", "100"} {
		tr.ObserveTemplate(1, template, []string{v})
	}
	pos := tr.ParamsFor(1).Positions[0]
	ns := pos.Numeric()
	assert.EqualValues(t, 5, ns.Count)
	assert.Equal(t, float64(3), ns.Median)
	assert.Equal(t, float64(1), ns.Min)
	assert.Equal(t, float64(100), ns.Max)
}

func TestTopValuesOrderedByFrequency(t *testing.T) {
	tr := New(DefaultConfig())
	template := []string{"<*>"}
	for _, v := range []string{"a", "a", "b"} {
		tr.ObserveTemplate(1, template, []string{v})
	}
	top := tr.ParamsFor(1).Positions[0].TopValues(1)
	assert.Equal(t, "a", top[0].Value)
	assert.EqualValues(t, 2, top[0].Count)
}

func TestObserveJSONEmitsFieldAddedAndRemoved(t *testing.T) {
	tr := New(DefaultConfig())
	ts := time.Now()

	first := []types.FieldValue{{Path: "user", Tag: types.TagString}}
	events := tr.ObserveJSON(first, ts)
	assert.Len(t, events, 1)
	assert.Equal(t, FieldAdded, events[0].Kind)

	second := []types.FieldValue{{Path: "user", Tag: types.TagString}, {Path: "age", Tag: types.TagInt}}
	events = tr.ObserveJSON(second, ts.Add(time.Second))
	assert.Len(t, events, 1)
	assert.Equal(t, FieldAdded, events[0].Kind)
	assert.Equal(t, "age", events[0].Field)

	third := []types.FieldValue{{Path: "age", Tag: types.TagInt}}
	events = tr.ObserveJSON(third, ts.Add(2*time.Second))
	assert.Len(t, events, 1)
	assert.Equal(t, FieldRemoved, events[0].Kind)
	assert.Equal(t, "user", events[0].Field)
}

func TestObserveJSONEmitsTypeChanged(t *testing.T) {
	tr := New(DefaultConfig())
	ts := time.Now()
	tr.ObserveJSON([]types.FieldValue{{Path: "code", Tag: types.TagInt}}, ts)
	events := tr.ObserveJSON([]types.FieldValue{{Path: "code", Tag: types.TagString}}, ts.Add(time.Second))
	assert.Len(t, events, 1)
	assert.Equal(t, TypeChanged, events[0].Kind)
	assert.Equal(t, types.TagInt, events[0].OldType)
	assert.Equal(t, types.TagString, events[0].NewType)
}

func TestObserveJSONCollapsesIdenticalFingerprints(t *testing.T) {
	tr := New(DefaultConfig())
	ts := time.Now()
	fields := []types.FieldValue{{Path: "a", Tag: types.TagString}}
	tr.ObserveJSON(fields, ts)
	events := tr.ObserveJSON(fields, ts.Add(time.Second))
	assert.Nil(t, events)
	assert.Len(t, tr.Diffs(), 1)
}

func TestDiffsAccumulateChronologically(t *testing.T) {
	tr := New(DefaultConfig())
	ts := time.Now()
	tr.ObserveJSON([]types.FieldValue{{Path: "a", Tag: types.TagString}}, ts)
	tr.ObserveJSON([]types.FieldValue{{Path: "a", Tag: types.TagString}, {Path: "b", Tag: types.TagInt}}, ts.Add(time.Second))
	tr.ObserveJSON([]types.FieldValue{{Path: "a", Tag: types.TagString}, {Path: "b", Tag: types.TagFloat}}, ts.Add(2*time.Second))

	diffs := tr.Diffs()
	assert.Len(t, diffs, 3)
	for i := 1; i < len(diffs); i++ {
		assert.True(t, !diffs[i].Timestamp.Before(diffs[i-1].Timestamp))
	}
}
