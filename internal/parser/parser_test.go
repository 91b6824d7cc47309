package parser

import (
	"testing"

	"github.com/probelabs/logoscope/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONBasic(t *testing.T) {
	p := New(DefaultConfig())
	entry := types.LogicalEntry{
		SourceID: "s", LineOrdinal: 1,
		Text: `{"level":"info","ts":"2024-01-15T10:00:00Z","op":"login","trace_id":"abc123"}`,
	}
	rec, appErr := p.Parse(entry)
	require.Nil(t, appErr)
	assert.Equal(t, types.KindJSON, rec.Kind)
	assert.Equal(t, "INFO", rec.Level)
	assert.True(t, rec.HasTimestamp)
	assert.Equal(t, 2024, rec.Timestamp.Year())
	// trace_id is a drop-key and must not appear in flattened fields or the synthetic message.
	for _, f := range rec.FlatFields {
		assert.NotEqual(t, "trace_id", f.Path)
	}
	assert.NotContains(t, rec.SyntheticMessage, "trace_id")
	assert.Contains(t, rec.SyntheticMessage, "op=login")
}

func TestParseJSONArraysAndNesting(t *testing.T) {
	p := New(DefaultConfig())
	entry := types.LogicalEntry{Text: `{"a":{"b":[1,2,3]}}`}
	rec, appErr := p.Parse(entry)
	require.Nil(t, appErr)
	paths := map[string]string{}
	for _, f := range rec.FlatFields {
		paths[f.Path] = f.Value
	}
	assert.Equal(t, "1", paths["a.b.0"])
	assert.Equal(t, "2", paths["a.b.1"])
	assert.Equal(t, "3", paths["a.b.2"])
}

func TestParseMalformedJSONFallsBackToPlaintext(t *testing.T) {
	p := New(DefaultConfig())
	entry := types.LogicalEntry{Text: `{"a": 1, broken`}
	rec, appErr := p.Parse(entry)
	require.NotNil(t, appErr)
	assert.Equal(t, types.KindPlaintext, rec.Kind)
}

func TestParsePlaintextLevelAndSyslogPrefix(t *testing.T) {
	p := New(DefaultConfig())
	entry := types.LogicalEntry{Text: `myapp[123] "msg": "ERROR db connect timeout 1.2.3.4"`}
	rec, appErr := p.Parse(entry)
	require.Nil(t, appErr)
	assert.Equal(t, types.KindPlaintext, rec.Kind)
	assert.Equal(t, "ERROR", rec.Level)
}

func TestDetectEpochTimestamp(t *testing.T) {
	ts, ok := parseEpoch("1700000000")
	require.True(t, ok)
	assert.Equal(t, 2023, ts.Year())

	ts, ok = parseEpoch("1700000000000")
	require.True(t, ok)
	assert.Equal(t, 2023, ts.Year())
}

func TestDetectPlaintextTimestampISO(t *testing.T) {
	ts, ok := detectPlaintextTimestamp("2024-03-01T12:00:00Z something happened")
	require.True(t, ok)
	assert.Equal(t, 2024, ts.Year())
}
