// Package assembler implements the Line Assembler (spec.md §4.1): it joins
// consecutive raw lines into logical entries, either by tracking
// bracket-balanced JSON accumulation or by recognizing plaintext stack-trace
// continuations. It never blocks waiting for more input than it has been
// given — on EOS with an open accumulation it emits what it has, matching
// the "must not deadlock on partial input" requirement.
package assembler

import (
	"regexp"
	"strings"

	"github.com/probelabs/logoscope/pkg/types"
)

const defaultMaxLinesPerEntry = 1000

// Config configures the assembler's bounded lookahead.
type Config struct {
	MaxLinesPerEntry int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxLinesPerEntry: defaultMaxLinesPerEntry}
}

// Assembler holds, per source, at most one pending (incomplete) logical
// entry. It is not safe for concurrent use by multiple goroutines against
// the same source_id; callers feed it from a single logical producer
// (spec.md §5).
type Assembler struct {
	cfg     Config
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	sourceID    string
	lineOrdinal int64
	lines       []string
	lineCount   int

	// bracket-balanced JSON accumulation state
	inJSON     bool
	depth      int
	inString   bool
	stringQuote byte
	escaped    bool
}

// New creates an Assembler with the given configuration.
func New(cfg Config) *Assembler {
	if cfg.MaxLinesPerEntry <= 0 {
		cfg.MaxLinesPerEntry = defaultMaxLinesPerEntry
	}
	return &Assembler{cfg: cfg, pending: make(map[string]*pendingEntry)}
}

// Push feeds one raw line and returns the logical entries it completes:
// none, one, or two. A logical entry is returned when a prior pending
// accumulation for the same source closes (bracket depth returns to zero,
// the continuation heuristic says the new line starts a fresh entry, or
// MaxLinesPerEntry is reached), and when the line is itself a complete
// entry (single-line JSON); a line that does both returns two entries.
func (a *Assembler) Push(line types.RawLine) []types.LogicalEntry {
	p, ok := a.pending[line.SourceID]
	if !ok {
		return a.startNew(line)
	}

	if p.inJSON {
		return a.continueJSON(p, line)
	}

	if isContinuation(line.Text) {
		p.lines = append(p.lines, line.Text)
		p.lineCount++
		if p.lineCount >= a.cfg.MaxLinesPerEntry {
			entry := a.flush(line.SourceID)
			return []types.LogicalEntry{entry}
		}
		return nil
	}

	// Not a continuation: close the pending plaintext entry, start a new one.
	closed := a.flush(line.SourceID)
	started := a.startNew(line)
	return append([]types.LogicalEntry{closed}, started...)
}

// Flush closes the pending entry for sourceID, if any, and returns it. This
// must be called at EOS for every source that produced lines.
func (a *Assembler) Flush(sourceID string) *types.LogicalEntry {
	if _, ok := a.pending[sourceID]; !ok {
		return nil
	}
	e := a.flush(sourceID)
	return &e
}

// FlushAll closes every pending entry, used at end-of-stream.
func (a *Assembler) FlushAll() []types.LogicalEntry {
	var out []types.LogicalEntry
	for sourceID := range a.pending {
		out = append(out, a.flush(sourceID))
	}
	return out
}

func (a *Assembler) startNew(line types.RawLine) []types.LogicalEntry {
	trimmed := strings.TrimLeft(line.Text, " \t")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && isCompleteJSON(line.Text) {
		return []types.LogicalEntry{{SourceID: line.SourceID, LineOrdinal: line.LineOrdinal, Text: line.Text, RawLineCount: 1}}
	}
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		p := &pendingEntry{
			sourceID:    line.SourceID,
			lineOrdinal: line.LineOrdinal,
			lines:       []string{line.Text},
			lineCount:   1,
			inJSON:      true,
		}
		scanBrackets(p, line.Text)
		if p.depth <= 0 {
			// Closed within the same line after all (e.g. trailing garbage
			// made isCompleteJSON's strict parse fail but brackets balance).
			a.pending[line.SourceID] = p
			entry := a.flush(line.SourceID)
			return []types.LogicalEntry{entry}
		}
		a.pending[line.SourceID] = p
		return nil
	}

	a.pending[line.SourceID] = &pendingEntry{
		sourceID:    line.SourceID,
		lineOrdinal: line.LineOrdinal,
		lines:       []string{line.Text},
		lineCount:   1,
	}
	return nil
}

func (a *Assembler) continueJSON(p *pendingEntry, line types.RawLine) []types.LogicalEntry {
	p.lines = append(p.lines, line.Text)
	p.lineCount++
	scanBrackets(p, line.Text)

	if p.depth <= 0 || p.lineCount >= a.cfg.MaxLinesPerEntry {
		entry := a.flush(line.SourceID)
		return []types.LogicalEntry{entry}
	}
	return nil
}

func (a *Assembler) flush(sourceID string) types.LogicalEntry {
	p := a.pending[sourceID]
	delete(a.pending, sourceID)
	return types.LogicalEntry{
		SourceID:     p.sourceID,
		LineOrdinal:  p.lineOrdinal,
		Text:         strings.Join(p.lines, "\n"),
		RawLineCount: len(p.lines),
	}
}

// scanBrackets advances a pending JSON accumulation's depth/string state
// over one additional line of text, tracking single- and double-quote
// strings and backslash escapes so brackets inside strings are ignored.
func scanBrackets(p *pendingEntry, text string) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if p.escaped {
			p.escaped = false
			continue
		}
		if p.inString {
			switch c {
			case '\\':
				p.escaped = true
			case p.stringQuote:
				p.inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			p.inString = true
			p.stringQuote = c
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
		}
	}
}

// isCompleteJSON reports whether text, taken alone, is already complete,
// balanced JSON — the common case of a single-line JSON log entry, which
// should not enter multi-line accumulation at all.
func isCompleteJSON(text string) bool {
	depth := 0
	inString := false
	var quote byte
	escaped := false
	sawOpen := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case '{', '[':
			depth++
			sawOpen = true
		case '}', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return sawOpen && depth == 0 && !inString
}

// continuationPrefixes lists the literal prefixes that mark a plaintext
// stack-trace continuation line (spec.md §4.1).
var continuationPrefixes = []string{"at ", "Caused by:"}

// elidedFrameCount matches the literal "... <N> more" elided-frame marker
// (spec.md §4.1), not just any line starting with an ellipsis — an ordinary
// message that happens to open with "..." is not a continuation.
var elidedFrameCount = regexp.MustCompile(`^\.\.\.\s+\d+\s+more\b`)

func isContinuation(text string) bool {
	if len(text) == 0 {
		return false
	}
	if text[0] == ' ' || text[0] == '\t' {
		return true
	}
	trimmed := strings.TrimLeft(text, " \t")
	for _, p := range continuationPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return elidedFrameCount.MatchString(trimmed)
}
