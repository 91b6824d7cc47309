// Package masker implements the Masker (spec.md §4.3): an ordered set of
// regex substitutions that replace high-cardinality or PII tokens with
// placeholders from the closed set {<NUM>, <IP>, <EMAIL>, <TIMESTAMP>,
// <UUID>, <PATH>, <URL>, <HEX>, <B64>}, plus an optional confidence-scored
// fast path for common access-log shapes (SPEC_FULL.md §3). The regex set
// is compiled once and is immutable thereafter (spec.md §5).
package masker

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Placeholder is one of the closed set of mask tokens.
type Placeholder string

const (
	PlaceholderTimestamp Placeholder = "<TIMESTAMP>"
	PlaceholderUUID       Placeholder = "<UUID>"
	PlaceholderEmail      Placeholder = "<EMAIL>"
	PlaceholderURL        Placeholder = "<URL>"
	PlaceholderPath       Placeholder = "<PATH>"
	PlaceholderIP         Placeholder = "<IP>"
	PlaceholderB64        Placeholder = "<B64>"
	PlaceholderHex        Placeholder = "<HEX>"
	PlaceholderNum        Placeholder = "<NUM>"
)

// rule is one ordered substitution: the regex that recognizes the token
// class and the placeholder it is replaced with. Order matters: earlier
// rules can consume substrings that would otherwise satisfy a later rule
// (spec.md §4.3).
type rule struct {
	re          *regexp.Regexp
	placeholder Placeholder
}

// placeholderSet recognizes any already-emitted placeholder, so masking
// never re-masks its own output (spec.md invariant I5: placeholders never
// nest; masking is idempotent).
var placeholderSet = regexp.MustCompile(`<(TIMESTAMP|UUID|EMAIL|URL|PATH|IP|B64|HEX|NUM|CLIENT_IP|HTTP_METHOD|STATUS_CODE|RESPONSE_SIZE|USER_AGENT|overflow)>`)

var orderedRules = []rule{
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`), PlaceholderTimestamp},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), PlaceholderUUID},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), PlaceholderEmail},
	{regexp.MustCompile(`\bhttps?://[^\s"'<>]+`), PlaceholderURL},
	{regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`), PlaceholderPath},
	{regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{0,4}\b`), PlaceholderIP}, // IPv6 before IPv4
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), PlaceholderIP},
	{regexp.MustCompile(`\b[A-Za-z0-9+/]{16,}={0,2}\b`), PlaceholderB64},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`), PlaceholderHex},
	{regexp.MustCompile(`[-+]?\b\d+\.?\d*(?:[eE][-+]?\d+)?\b`), PlaceholderNum},
}

// FastPathResult records whether the access-log fast path fired and how
// confident the match was (SPEC_FULL.md §3).
type FastPathResult struct {
	Fired      bool
	Confidence float64
}

// combinedLogRe recognizes NGINX/Apache/ELB combined-log-format request
// lines: client IP, method/path, status, size, user agent.
var combinedLogRe = regexp.MustCompile(
	`^(?P<ip>\S+) \S+ \S+ \[(?P<ts>[^\]]+)\] "(?P<method>[A-Z]+) (?P<path>\S+)[^"]*" (?P<status>\d{3}) (?P<size>\d+|-)(?: "[^"]*" "(?P<ua>[^"]*)")?`,
)

// Masker applies the ordered regex set to masked messages. It is pure: the
// same input always masks to the same output, and masking its own output
// is a no-op (idempotent).
type Masker struct {
	fastPathEnabled bool
}

// New creates a Masker. fastPathEnabled controls whether the access-log
// fast path is attempted (spec.md §4.3 describes it as optional).
func New(fastPathEnabled bool) *Masker {
	return &Masker{fastPathEnabled: fastPathEnabled}
}

// Mask applies the fast path (if enabled and it fires) followed by the
// ordered generic regex set to any remainder, and reports whether the fast
// path fired.
func (m *Masker) Mask(s string) (string, FastPathResult) {
	if m.fastPathEnabled {
		if masked, result, ok := m.tryFastPath(s); ok {
			return maskGeneric(masked), result
		}
	}
	return maskGeneric(s), FastPathResult{}
}

func (m *Masker) tryFastPath(s string) (string, FastPathResult, bool) {
	match := combinedLogRe.FindStringSubmatchIndex(s)
	if match == nil {
		return s, FastPathResult{}, false
	}
	names := combinedLogRe.SubexpNames()
	groups := make(map[string]string)
	for i, name := range names {
		if name == "" || match[2*i] < 0 {
			continue
		}
		groups[name] = s[match[2*i]:match[2*i+1]]
	}

	confidence := 0.6
	if groups["ua"] != "" {
		confidence = 0.9
	}

	replacement := "<CLIENT_IP> - - [<TIMESTAMP>] \"<HTTP_METHOD> <PATH>\" <STATUS_CODE> <RESPONSE_SIZE>"
	if groups["ua"] != "" {
		replacement += " \"-\" \"<USER_AGENT>\""
	}

	head := s[:match[0]]
	tail := s[match[1]:]
	return head + replacement + tail, FastPathResult{Fired: true, Confidence: confidence}, true
}

// maskGeneric applies each rule of the ordered rule set in turn over the
// whole string, skipping spans
// that are already placeholders so masking is idempotent (invariant I5).
func maskGeneric(s string) string {
	for _, r := range orderedRules {
		s = maskWithRule(s, r)
	}
	return s
}

func maskWithRule(s string, r rule) string {
	var b strings.Builder
	last := 0
	for _, loc := range placeholderOrRuleLocations(s, r.re) {
		if loc.isPlaceholder {
			continue
		}
		b.WriteString(s[last:loc.start])
		b.WriteString(string(r.placeholder))
		last = loc.end
	}
	b.WriteString(s[last:])
	return b.String()
}

type span struct {
	start, end    int
	isPlaceholder bool
}

// placeholderOrRuleLocations merges the positions of existing placeholders
// (which must be skipped, never re-masked) with the positions the rule's
// regex matches, in left-to-right order, so overlapping matches resolve
// deterministically in favor of "already a placeholder."
func placeholderOrRuleLocations(s string, re *regexp.Regexp) []span {
	var spans []span
	for _, m := range placeholderSet.FindAllStringIndex(s, -1) {
		spans = append(spans, span{start: m[0], end: m[1], isPlaceholder: true})
	}
	for _, m := range re.FindAllStringIndex(s, -1) {
		overlaps := false
		for _, p := range spans {
			if m[0] < p.end && m[1] > p.start {
				overlaps = true
				break
			}
		}
		if !overlaps {
			spans = append(spans, span{start: m[0], end: m[1]})
		}
	}
	// Sort by start so the builder walks left-to-right.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j-1].start > spans[j].start; j-- {
			spans[j-1], spans[j] = spans[j], spans[j-1]
		}
	}
	return spans
}

// CacheKey returns a stable hash of s for use as a thread-local mask-cache
// key (SPEC_FULL.md §2: xxhash, avoiding a second hash family from the
// Drain tree's template-ID hash).
func CacheKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

// LocalCache is a bounded, unsynchronized LRU used by exactly one worker
// goroutine (spec.md §5: "worker threads maintain thread-local mask
// caches"). It is not safe for concurrent use across goroutines by design
// — each worker owns its own instance.
type LocalCache struct {
	capacity int
	entries  map[uint64]*cacheNode
	head     *cacheNode
	tail     *cacheNode
}

type cacheNode struct {
	key        uint64
	value      string
	fastPath   FastPathResult
	prev, next *cacheNode
}

// NewLocalCache creates a worker-local cache with the given bounded
// capacity (default 1024, spec.md §5).
func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalCache{capacity: capacity, entries: make(map[uint64]*cacheNode, capacity)}
}

// Get returns a cached mask result for key, if present, promoting it to
// most-recently-used.
func (c *LocalCache) Get(key uint64) (string, FastPathResult, bool) {
	n, ok := c.entries[key]
	if !ok {
		return "", FastPathResult{}, false
	}
	c.moveToFront(n)
	return n.value, n.fastPath, true
}

// Put inserts or updates the cache entry for key, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *LocalCache) Put(key uint64, value string, fp FastPathResult) {
	if n, ok := c.entries[key]; ok {
		n.value, n.fastPath = value, fp
		c.moveToFront(n)
		return
	}
	n := &cacheNode{key: key, value: value, fastPath: fp}
	c.entries[key] = n
	c.pushFront(n)
	if len(c.entries) > c.capacity {
		c.evictTail()
	}
}

func (c *LocalCache) moveToFront(n *cacheNode) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

func (c *LocalCache) pushFront(n *cacheNode) {
	n.prev, n.next = nil, c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *LocalCache) unlink(n *cacheNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *LocalCache) evictTail() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlink(victim)
	delete(c.entries, victim.key)
}

// MaskCached masks s using m, consulting and populating cache first.
func (m *Masker) MaskCached(s string, cache *LocalCache) (string, FastPathResult) {
	key := CacheKey(s)
	if v, fp, ok := cache.Get(key); ok {
		return v, fp
	}
	v, fp := m.Mask(s)
	cache.Put(key, v, fp)
	return v, fp
}
