// Package parser implements the Parser & Timestamp Detector (spec.md §4.2):
// JSON-vs-plaintext detection, recursive dot-path flattening with drop-keys,
// synthetic-message construction, timestamp auto-detection in priority
// order, and level/service/host extraction.
package parser

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/probelabs/logoscope/pkg/errors"
	"github.com/probelabs/logoscope/pkg/types"
)

// Config configures the parser's field-hint and drop-key behavior.
type Config struct {
	// TimeKeys is the priority list of JSON field names to probe for a
	// timestamp before falling back to generic scans (spec.md §6, time_key[]).
	TimeKeys []string
	// DropKeys is removed from JSON flattening before synthesis, to keep
	// high-cardinality identifiers out of templates (spec.md §3).
	DropKeys []string
}

// DefaultDropKeys mirrors the teacher's own container/label enrichment
// surface (SPEC_FULL.md §3): exactly the identifiers that would otherwise
// explode template cardinality without adding signal.
func DefaultDropKeys() []string {
	return []string{
		"trace_id", "traceId", "span_id", "spanId", "parent_span_id",
		"service", "host", "hostname",
		"kubernetes.pod.name", "kubernetes.namespace", "kubernetes.pod_id",
		"container_id", "pod_name",
	}
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		TimeKeys: []string{"timestamp", "ts", "time", "@timestamp"},
		DropKeys: DefaultDropKeys(),
	}
}

// Parser turns logical entries into parsed records. It is stateless and
// safe for concurrent use by multiple worker goroutines (spec.md §5).
type Parser struct {
	cfg      Config
	dropSet  map[string]bool
	timeKeys []string
}

// New builds a Parser from cfg, normalizing defaults for empty fields.
func New(cfg Config) *Parser {
	if len(cfg.TimeKeys) == 0 {
		cfg.TimeKeys = DefaultConfig().TimeKeys
	}
	if cfg.DropKeys == nil {
		cfg.DropKeys = DefaultDropKeys()
	}
	drop := make(map[string]bool, len(cfg.DropKeys))
	for _, k := range cfg.DropKeys {
		drop[strings.ToLower(k)] = true
	}
	return &Parser{cfg: cfg, dropSet: drop, timeKeys: cfg.TimeKeys}
}

// Parse converts one logical entry into a ParsedRecord. errOut, if non-nil,
// describes a recoverable parse failure (e.g. malformed JSON fell back to
// plaintext analysis) that the caller should accumulate into errors.samples[].
func (p *Parser) Parse(entry types.LogicalEntry) (types.ParsedRecord, *apperrors.AppError) {
	trimmed := strings.TrimSpace(entry.Text)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var raw interface{}
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			return p.parseJSON(entry, raw), nil
		}
		// Malformed JSON: record the failure, analyze as plaintext (spec.md §4.2).
		rec := p.parsePlaintext(entry)
		appErr := apperrors.New(apperrors.KindMalformedJSON, "parser", "Parse", "input looked like JSON but failed to parse").
			WithLine(entry.SourceID, entry.LineOrdinal)
		return rec, appErr
	}
	return p.parsePlaintext(entry), nil
}

func (p *Parser) parseJSON(entry types.LogicalEntry, raw interface{}) types.ParsedRecord {
	fields := flatten(raw, "")
	sort.Slice(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })

	rec := types.ParsedRecord{
		SourceID:    entry.SourceID,
		LineOrdinal: entry.LineOrdinal,
		Kind:        types.KindJSON,
		Text:        entry.Text,
	}

	flat := make(map[string]types.FieldValue, len(fields))
	for _, f := range fields {
		flat[f.Path] = f
	}

	rec.Level = extractLevel(flat, "")
	rec.Service = extractFirst(flat, "service")
	rec.Host = extractHost(flat)

	if ts, ok := p.detectJSONTimestamp(flat); ok {
		rec.Timestamp = ts
		rec.HasTimestamp = true
	}

	kept := make([]types.FieldValue, 0, len(fields))
	for _, f := range fields {
		if p.dropSet[strings.ToLower(f.Path)] || p.isDroppedPrefix(f.Path) {
			continue
		}
		kept = append(kept, f)
	}
	rec.AllFields = fields
	rec.FlatFields = kept
	rec.SyntheticMessage = synthesize(kept)

	return rec
}

func (p *Parser) isDroppedPrefix(path string) bool {
	if p.dropSet["kubernetes.pod.name"] || p.dropSet["kubernetes.namespace"] || p.dropSet["kubernetes.pod_id"] {
		return strings.HasPrefix(strings.ToLower(path), "kubernetes.")
	}
	return false
}

var plaintextPrefixRe = regexp.MustCompile(`^.*?": "`)
var levelRe = regexp.MustCompile(`(?i)^(ERROR|WARN|WARNING|INFO|DEBUG|TRACE)\b`)

func (p *Parser) parsePlaintext(entry types.LogicalEntry) types.ParsedRecord {
	text := entry.Text
	content := text
	if idx := strings.LastIndex(text, `": "`); idx >= 0 {
		// Strip a syslog/app-prefix up to the last `": "` (spec.md §4.2).
		// The stripped content is used only for level and timestamp
		// detection; rec.Text, which MessageFor hands to masking, keeps
		// the whole line, prefix included.
		content = text[idx+4:]
	}

	rec := types.ParsedRecord{
		SourceID:    entry.SourceID,
		LineOrdinal: entry.LineOrdinal,
		Kind:        types.KindPlaintext,
		Text:        text,
	}

	if m := levelRe.FindStringSubmatch(strings.TrimSpace(content)); m != nil {
		rec.Level = strings.ToUpper(m[1])
	}

	if ts, ok := detectPlaintextTimestamp(content); ok {
		rec.Timestamp = ts
		rec.HasTimestamp = true
	}

	return rec
}

// flatten recursively flattens raw into dot-path FieldValues. Arrays index
// by position (foo.0.bar), matching spec.md §4.2.
func flatten(v interface{}, prefix string) []types.FieldValue {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make([]types.FieldValue, 0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			out = append(out, flatten(val[k], path)...)
		}
		return out
	case []interface{}:
		out := make([]types.FieldValue, 0, len(val))
		for i, elem := range val {
			path := prefix + "." + strconv.Itoa(i)
			out = append(out, flatten(elem, path)...)
		}
		return out
	case string:
		return []types.FieldValue{{Path: prefix, Tag: types.TagString, Value: val}}
	case float64:
		if val == float64(int64(val)) {
			return []types.FieldValue{{Path: prefix, Tag: types.TagInt, Value: strconv.FormatInt(int64(val), 10)}}
		}
		return []types.FieldValue{{Path: prefix, Tag: types.TagFloat, Value: strconv.FormatFloat(val, 'g', -1, 64)}}
	case bool:
		return []types.FieldValue{{Path: prefix, Tag: types.TagBool, Value: strconv.FormatBool(val)}}
	case nil:
		return []types.FieldValue{{Path: prefix, Tag: types.TagNull, Value: ""}}
	default:
		return []types.FieldValue{{Path: prefix, Tag: types.TagString, Value: ""}}
	}
}

// synthesize builds the deterministic k=v concatenation over flat fields,
// sorted by key path (spec.md §3).
func synthesize(fields []types.FieldValue) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Path+"="+f.Value)
	}
	return strings.Join(parts, " ")
}

func extractFirst(flat map[string]types.FieldValue, keys ...string) string {
	for _, k := range keys {
		if f, ok := flat[k]; ok {
			return f.Value
		}
	}
	return ""
}

var levelKeys = []string{"level", "severity", "loglevel", "log_level"}

func extractLevel(flat map[string]types.FieldValue, _ string) string {
	for _, k := range levelKeys {
		if f, ok := flat[k]; ok {
			return strings.ToUpper(f.Value)
		}
	}
	return ""
}

var hostKeys = []string{"host", "hostname", "kubernetes.pod.name"}

func extractHost(flat map[string]types.FieldValue) string {
	for _, k := range hostKeys {
		if f, ok := flat[k]; ok {
			return f.Value
		}
	}
	return ""
}

func (p *Parser) detectJSONTimestamp(flat map[string]types.FieldValue) (time.Time, bool) {
	for _, key := range p.timeKeys {
		if f, ok := flat[key]; ok {
			if ts, ok := parseAnyTimestamp(f.Value); ok {
				return ts, true
			}
		}
	}
	// Fall back: scan every field whose value parses as RFC3339/ISO8601.
	for _, f := range flat {
		if f.Tag != types.TagString {
			continue
		}
		if ts, ok := parseISO8601(f.Value); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseAnyTimestamp(s string) (time.Time, bool) {
	if ts, ok := parseISO8601(s); ok {
		return ts, true
	}
	if ts, ok := parseEpoch(s); ok {
		return ts, true
	}
	return time.Time{}, false
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseISO8601(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseEpoch(s string) (time.Time, bool) {
	if len(s) != 10 && len(s) != 13 && len(s) != 16 {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	switch len(s) {
	case 10:
		return time.Unix(n, 0).UTC(), true
	case 13:
		return time.UnixMilli(n).UTC(), true
	case 16:
		return time.UnixMicro(n).UTC(), true
	}
	return time.Time{}, false
}

var syslogRe = regexp.MustCompile(`\b([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}):(\d{2}):(\d{2})\b`)
var isoInlineRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`)
var epochInlineRe = regexp.MustCompile(`\b(\d{10}|\d{13}|\d{16})\b`)

func detectPlaintextTimestamp(text string) (time.Time, bool) {
	if m := isoInlineRe.FindString(text); m != "" {
		if ts, ok := parseISO8601(m); ok {
			return ts, true
		}
		// Try trimming a missing offset by appending Z.
		if ts, ok := parseISO8601(m + "Z"); ok {
			return ts, true
		}
	}
	if m := syslogRe.FindStringSubmatch(text); m != nil {
		layout := "Jan 2 15:04:05 2006"
		candidate := m[1] + " " + m[2] + " " + m[3] + ":" + m[4] + ":" + m[5] + " " + strconv.Itoa(time.Now().Year())
		if ts, err := time.Parse(layout, candidate); err == nil {
			return ts.UTC(), true
		}
	}
	if m := epochInlineRe.FindString(text); m != "" {
		if ts, ok := parseEpoch(m); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}
