// Package drain implements the Drain Tree (spec.md §4.4): a fixed-depth
// prefix-match tree over whitespace-tokenized masked messages, with
// similarity-based leaf cluster assignment and template generalization.
// This is the on-line template miner at the center of the pipeline.
package drain

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Wildcard is the generalized-position token.
const Wildcard = "<*>"

// OverflowTemplate names the synthetic bucket that absorbs members of
// evicted clusters once max_clusters is exceeded (spec.md §4.4).
const OverflowTemplate = "<overflow>"

var semanticPlaceholders = map[string]bool{
	"<*>": true, "<NUM>": true, "<IP>": true, "<EMAIL>": true, "<TIMESTAMP>": true,
	"<UUID>": true, "<PATH>": true, "<URL>": true, "<HEX>": true, "<B64>": true,
	"<CLIENT_IP>": true, "<HTTP_METHOD>": true, "<STATUS_CODE>": true,
	"<RESPONSE_SIZE>": true, "<USER_AGENT>": true,
}

func isPlaceholderToken(tok string) bool { return semanticPlaceholders[tok] }

// Config holds the Drain tree's tunables (spec.md §4.4 defaults).
type Config struct {
	MaxDepth    int
	MaxChildren int
	SimMin      float64
	MaxClusters int
	ExampleCap  int // bounded ring of example lines retained per cluster
	TimestampCap int // accepted and defaulted, but unused: the tree keeps no per-cluster timestamps beyond FirstSeen/LastSeen
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:     4,
		MaxChildren:  100,
		SimMin:       0.4,
		MaxClusters:  10000,
		ExampleCap:   5,
		TimestampCap: 20000,
	}
}

// Example is one retained sample line for a cluster.
type Example struct {
	SourceID    string `json:"source_id"`
	LineOrdinal int64  `json:"line_ordinal"`
	Text        string `json:"text"`
}

// Cluster is a Drain leaf's accumulated state (spec.md §3).
type Cluster struct {
	ID              uint64
	Template        []string
	MemberCount     int64
	FirstSeen       time.Time // zero if no member ever carried a real timestamp
	LastSeen        time.Time
	FirstOrdinal    int64 // surrogate order when timestamps are absent (spec.md §3)
	LastOrdinal     int64
	LevelHistogram  map[string]int64
	ServiceHistogram map[string]int64
	HostHistogram   map[string]int64
	Examples        []Example // ring buffer, capacity Config.ExampleCap

	createdAt time.Time // timestamp of the creating line, zero if it had none; used for new-pattern age
	createdSeq int64     // lines inserted up to and including the creating one; also the creation-order tie-break

	mu sync.Mutex

	// lru linkage for eviction (owned by Tree, guarded by Tree.mu)
	lruPrev, lruNext *Cluster
}

// TemplateString renders the cluster's template as a space-joined string.
func (c *Cluster) TemplateString() string {
	return strings.Join(c.Template, " ")
}

// CreatedAt is the timestamp of the line that created the cluster, or the
// zero time when that line carried none; used for new-pattern age checks
// (spec.md §4.7).
func (c *Cluster) CreatedAt() time.Time { return c.createdAt }

// CreatedSeq is the number of lines inserted into the tree up to and
// including the one that created the cluster: the count-based position used
// for new-pattern age checks. It grows with creation order, so it is also
// the authoritative tie-break for creation order (spec.md §4.4 "Determinism").
func (c *Cluster) CreatedSeq() int64 { return c.createdSeq }

type node struct {
	children map[string]*node
	clusters []*Cluster // non-nil only once this node is a terminal (leaf) for its depth
}

func newNode() *node { return &node{children: make(map[string]*node)} }

// Tree is the fixed-depth prefix-match tree. It is safe for concurrent use;
// the only shared-mutable hotspot is Insert, guarded by a single mutex
// (spec.md §5: "a single reducer merges into the global Drain tree").
type Tree struct {
	cfg Config

	mu        sync.Mutex
	roots     map[int]*node // keyed by token count (the length layer)
	byID      map[uint64]*Cluster
	seq       int64
	lruHead   *Cluster
	lruTail   *Cluster
	overflow  *Cluster
	overflowN int64
	evictions int64
}

// New creates a Drain tree with the given configuration.
func New(cfg Config) *Tree {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 100
	}
	if cfg.SimMin <= 0 {
		cfg.SimMin = 0.4
	}
	if cfg.MaxClusters <= 0 {
		cfg.MaxClusters = 10000
	}
	if cfg.ExampleCap <= 0 {
		cfg.ExampleCap = 5
	}
	if cfg.TimestampCap <= 0 {
		cfg.TimestampCap = 20000
	}
	return &Tree{
		cfg:   cfg,
		roots: make(map[int]*node),
		byID:  make(map[uint64]*Cluster),
	}
}

// Tokenize splits a masked message on whitespace (spec.md §4 tokenization).
func Tokenize(masked string) []string {
	return strings.Fields(masked)
}

// InsertMeta carries the per-line metadata a cluster accumulates on
// assignment.
type InsertMeta struct {
	SourceID    string
	LineOrdinal int64
	Timestamp   time.Time
	HasTimestamp bool
	Level       string
	Service     string
	Host        string
	RawText     string
}

// Result reports the outcome of one Insert call.
type Result struct {
	Cluster   *Cluster
	IsNew     bool
	Overflow  bool // true if charged to the synthetic <overflow> bucket
}

// Insert assigns tokens to a cluster, creating one if no existing cluster
// at the reached leaf scores >= SimMin, generalizing the matched cluster's
// template in place, and evicting the least-recently-updated cluster (to
// the overflow bucket) if MaxClusters would be exceeded.
func (t *Tree) Insert(tokens []string, meta InsertMeta) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++

	if len(tokens) == 0 {
		return t.insertOverflow(meta)
	}

	root, ok := t.roots[len(tokens)]
	if !ok {
		root = newNode()
		t.roots[len(tokens)] = root
	}

	pathDepth := t.cfg.MaxDepth
	if len(tokens) < pathDepth {
		pathDepth = len(tokens)
	}

	cur := root
	for i := 0; i < pathDepth; i++ {
		tok := tokens[i]
		key := tok
		if isPlaceholderToken(tok) {
			key = Wildcard
		}
		child, exists := cur.children[key]
		if !exists {
			if len(cur.children) >= t.cfg.MaxChildren {
				key = Wildcard
				child, exists = cur.children[key]
			}
			if !exists {
				child = newNode()
				cur.children[key] = child
			}
		}
		cur = child
	}

	best, bestScore := bestMatch(cur.clusters, tokens)
	if best != nil && bestScore >= t.cfg.SimMin {
		t.assign(best, tokens, meta)
		return Result{Cluster: best, IsNew: false}
	}

	c := t.newCluster(tokens, meta)
	cur.clusters = append(cur.clusters, c)
	t.enforceCap()
	return Result{Cluster: c, IsNew: true}
}

// bestMatch scores every cluster at a leaf against tokens and returns the
// highest-scoring one, breaking ties toward the earlier-created cluster
// (spec.md §4.4 "Determinism").
func bestMatch(clusters []*Cluster, tokens []string) (*Cluster, float64) {
	var best *Cluster
	bestScore := -1.0
	for _, c := range clusters {
		score := similarity(c.Template, tokens)
		if score > bestScore || (score == bestScore && best != nil && c.createdSeq < best.createdSeq) {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

// similarity is the fraction of positions whose non-wildcard tokens match
// exactly; positions where either side is already <*> count as matches
// (spec.md §4.4 step 3).
func similarity(template, tokens []string) float64 {
	if len(template) != len(tokens) {
		return 0
	}
	if len(template) == 0 {
		return 1
	}
	matches := 0
	for i := range template {
		if template[i] == Wildcard || template[i] == tokens[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(template))
}

func (t *Tree) newCluster(tokens []string, meta InsertMeta) *Cluster {
	tmpl := make([]string, len(tokens))
	copy(tmpl, tokens)
	var createdAt time.Time
	if meta.HasTimestamp {
		createdAt = meta.Timestamp
	}
	c := &Cluster{
		Template:         tmpl,
		ID:               hashTokens(tmpl),
		LevelHistogram:   make(map[string]int64),
		ServiceHistogram: make(map[string]int64),
		HostHistogram:    make(map[string]int64),
		createdAt:        createdAt,
		createdSeq:       t.seq,
	}
	t.byID[c.ID] = c
	t.applyMeta(c, meta)
	t.touch(c)
	return c
}

// assign generalizes template's differing positions to <*> and records
// meta (spec.md §4.4 step 4). Template length never changes.
func (t *Tree) assign(c *Cluster, tokens []string, meta InsertMeta) {
	c.mu.Lock()
	for i := range c.Template {
		if c.Template[i] != Wildcard && c.Template[i] != tokens[i] {
			c.Template[i] = Wildcard
		}
	}
	c.mu.Unlock()
	t.applyMeta(c, meta)
	t.touch(c)
}

func (t *Tree) applyMeta(c *Cluster, meta InsertMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MemberCount++
	if c.MemberCount == 1 || meta.LineOrdinal < c.FirstOrdinal {
		c.FirstOrdinal = meta.LineOrdinal
	}
	if meta.LineOrdinal > c.LastOrdinal {
		c.LastOrdinal = meta.LineOrdinal
	}
	if meta.HasTimestamp {
		if c.FirstSeen.IsZero() || meta.Timestamp.Before(c.FirstSeen) {
			c.FirstSeen = meta.Timestamp
		}
		if meta.Timestamp.After(c.LastSeen) {
			c.LastSeen = meta.Timestamp
		}
	}
	if meta.Level != "" {
		c.LevelHistogram[meta.Level]++
	}
	if meta.Service != "" {
		c.ServiceHistogram[meta.Service]++
	}
	if meta.Host != "" {
		c.HostHistogram[meta.Host]++
	}
	if c.Examples == nil {
		c.Examples = make([]Example, 0, t.cfg.ExampleCap)
	}
	ex := Example{SourceID: meta.SourceID, LineOrdinal: meta.LineOrdinal, Text: meta.RawText}
	if len(c.Examples) < t.cfg.ExampleCap {
		c.Examples = append(c.Examples, ex)
	} else if t.cfg.ExampleCap > 0 {
		// Replace the oldest example with a simple ring cursor to keep a
		// representative spread rather than only the first N.
		idx := int(c.MemberCount-1) % t.cfg.ExampleCap
		c.Examples[idx] = ex
	}
}

// touch moves c to the front of the LRU list (most-recently-updated).
func (t *Tree) touch(c *Cluster) {
	if t.lruHead == c {
		return
	}
	t.unlinkLRU(c)
	c.lruPrev, c.lruNext = nil, t.lruHead
	if t.lruHead != nil {
		t.lruHead.lruPrev = c
	}
	t.lruHead = c
	if t.lruTail == nil {
		t.lruTail = c
	}
}

func (t *Tree) unlinkLRU(c *Cluster) {
	if c.lruPrev != nil {
		c.lruPrev.lruNext = c.lruNext
	} else if t.lruHead == c {
		t.lruHead = c.lruNext
	}
	if c.lruNext != nil {
		c.lruNext.lruPrev = c.lruPrev
	} else if t.lruTail == c {
		t.lruTail = c.lruPrev
	}
	c.lruPrev, c.lruNext = nil, nil
}

// enforceCap evicts the least-recently-updated cluster when MaxClusters is
// exceeded, charging its prior members to the overflow bucket going
// forward (spec.md §4.4 "Cluster cap").
func (t *Tree) enforceCap() {
	for len(t.byID) > t.cfg.MaxClusters {
		victim := t.lruTail
		if victim == nil || victim == t.overflow {
			return
		}
		t.unlinkLRU(victim)
		delete(t.byID, victim.ID)
		t.removeFromLeaf(victim)
		t.overflowN += victim.MemberCount
		t.evictions++
	}
}

func (t *Tree) removeFromLeaf(victim *Cluster) {
	root, ok := t.roots[len(victim.Template)]
	if !ok {
		return
	}
	pathDepth := t.cfg.MaxDepth
	if len(victim.Template) < pathDepth {
		pathDepth = len(victim.Template)
	}
	cur := root
	for i := 0; i < pathDepth; i++ {
		tok := victim.Template[i]
		key := tok
		if isPlaceholderToken(tok) || tok == Wildcard {
			key = Wildcard
		}
		child, ok := cur.children[key]
		if !ok {
			return
		}
		cur = child
	}
	for i, c := range cur.clusters {
		if c == victim {
			cur.clusters = append(cur.clusters[:i], cur.clusters[i+1:]...)
			return
		}
	}
}

func (t *Tree) insertOverflow(meta InsertMeta) Result {
	if t.overflow == nil {
		var createdAt time.Time
		if meta.HasTimestamp {
			createdAt = meta.Timestamp
		}
		t.overflow = &Cluster{
			ID:               hashTokens([]string{OverflowTemplate}),
			Template:         []string{OverflowTemplate},
			LevelHistogram:   make(map[string]int64),
			ServiceHistogram: make(map[string]int64),
			HostHistogram:    make(map[string]int64),
			createdAt:        createdAt,
			createdSeq:       t.seq,
		}
		t.byID[t.overflow.ID] = t.overflow
	}
	t.applyMeta(t.overflow, meta)
	t.touch(t.overflow)
	return Result{Cluster: t.overflow, IsNew: false, Overflow: true}
}

// Clusters returns a snapshot slice of every live cluster (including the
// overflow bucket, if any member was ever charged to it).
func (t *Tree) Clusters() []*Cluster {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Cluster, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}

// Len reports the current number of live clusters without copying them.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// OverflowCount reports how many lines were charged to the synthetic
// overflow bucket due to cluster-cap eviction.
func (t *Tree) OverflowCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overflowN
}

// Evictions reports how many clusters have been evicted to enforce MaxClusters.
func (t *Tree) Evictions() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// ClusterByID looks up a cluster by its stable template hash.
func (t *Tree) ClusterByID(id uint64) (*Cluster, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	return c, ok
}

// hashTokens computes the stable template ID: an xxhash over the
// length-prefixed, newline-joined token sequence (spec.md §3: "a stable
// hash of its token sequence").
func hashTokens(tokens []string) uint64 {
	h := xxhash.New()
	h.WriteString(strconv.Itoa(len(tokens)))
	for _, tok := range tokens {
		h.WriteString("\n")
		h.WriteString(tok)
	}
	return h.Sum64()
}
