package assembler

import (
	"testing"

	"github.com/probelabs/logoscope/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, a *Assembler, source string, ordinal int64, text string) []types.LogicalEntry {
	t.Helper()
	return a.Push(types.RawLine{SourceID: source, LineOrdinal: ordinal, Text: text})
}

func TestMultilineStackTrace(t *testing.T) {
	a := New(DefaultConfig())

	var out []types.LogicalEntry
	out = append(out, push(t, a, "app.log", 1, "ERROR boom")...)
	assert.Empty(t, out)

	for i := 0; i < 5; i++ {
		out = append(out, push(t, a, "app.log", int64(2+i), "    at f(...)")...)
	}
	assert.Empty(t, out)

	out = append(out, push(t, a, "app.log", 7, "INFO ok")...)
	require.Len(t, out, 1)
	assert.Equal(t, 6, out[0].RawLineCount)
	assert.Contains(t, out[0].Text, "ERROR boom")
	assert.Contains(t, out[0].Text, "at f(...)")

	final := a.Flush("app.log")
	require.NotNil(t, final)
	assert.Equal(t, "INFO ok", final.Text)
}

func TestElidedFrameCountLineIsContinuation(t *testing.T) {
	a := New(DefaultConfig())

	var out []types.LogicalEntry
	out = append(out, push(t, a, "app.log", 1, "ERROR boom")...)
	out = append(out, push(t, a, "app.log", 2, "    at f()")...)
	out = append(out, push(t, a, "app.log", 3, "... 12 more")...)
	assert.Empty(t, out)

	out = append(out, push(t, a, "app.log", 4, "INFO ok")...)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "... 12 more")

	final := a.Flush("app.log")
	require.NotNil(t, final)
	assert.Equal(t, "INFO ok", final.Text)
}

func TestOrdinaryLineStartingWithEllipsisIsNotContinuation(t *testing.T) {
	a := New(DefaultConfig())

	out := push(t, a, "app.log", 1, "ERROR boom")
	assert.Empty(t, out)

	out = push(t, a, "app.log", 2, "... processing continues normally")
	require.Len(t, out, 1)
	assert.Equal(t, "ERROR boom", out[0].Text)

	final := a.Flush("app.log")
	require.NotNil(t, final)
	assert.Equal(t, "... processing continues normally", final.Text)
}

func TestBracketBalancedJSON(t *testing.T) {
	a := New(DefaultConfig())

	out := push(t, a, "s", 1, `{"a": 1,`)
	assert.Empty(t, out)
	out = push(t, a, "s", 2, `"b": {"c": "x}y"},`)
	assert.Empty(t, out)
	out = push(t, a, "s", 3, `"d": 2}`)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].LineOrdinal)
	assert.Equal(t, 3, out[0].RawLineCount)
}

func TestSingleLineJSONNotAccumulated(t *testing.T) {
	a := New(DefaultConfig())
	out := push(t, a, "s", 1, `{"a": 1}`)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].RawLineCount)
}

func TestEOSFlushesPendingEntries(t *testing.T) {
	a := New(DefaultConfig())
	out := push(t, a, "s", 1, `{"a": 1,`)
	assert.Empty(t, out)

	flushed := a.FlushAll()
	require.Len(t, flushed, 1)
	assert.Equal(t, 1, flushed[0].RawLineCount)
}

func TestMaxLinesPerEntryBound(t *testing.T) {
	cfg := Config{MaxLinesPerEntry: 3}
	a := New(cfg)

	var out []types.LogicalEntry
	out = append(out, push(t, a, "s", 1, "ERROR x")...)
	out = append(out, push(t, a, "s", 2, "    at a")...)
	out = append(out, push(t, a, "s", 3, "    at b")...)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].RawLineCount)
}

func TestNonContinuationStartsNewEntry(t *testing.T) {
	a := New(DefaultConfig())
	out := push(t, a, "s", 1, "INFO first")
	assert.Empty(t, out)
	out = push(t, a, "s", 2, "INFO second")
	require.Len(t, out, 1)
	assert.Equal(t, "INFO first", out[0].Text)
}
