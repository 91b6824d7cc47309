package drain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(tree *Tree, text string, ordinal int64, ts time.Time) Result {
	return tree.Insert(Tokenize(text), InsertMeta{
		SourceID: "s", LineOrdinal: ordinal, Timestamp: ts, HasTimestamp: !ts.IsZero(),
	})
}

func TestNewClusterAndGeneralization(t *testing.T) {
	tree := New(DefaultConfig())

	r1 := insert(tree, "ERROR db connect timeout <IP>", 1, time.Time{})
	assert.True(t, r1.IsNew)

	r2 := insert(tree, "ERROR db connect timeout <IP>", 2, time.Time{})
	assert.False(t, r2.IsNew)
	assert.Equal(t, r1.Cluster.ID, r2.Cluster.ID)
	assert.EqualValues(t, 2, r2.Cluster.MemberCount)
}

func TestTemplateGeneralizesOnDivergence(t *testing.T) {
	tree := New(DefaultConfig())
	insert(tree, "connect to remote host alpha failed", 1, time.Time{})
	r := insert(tree, "connect to remote host beta failed", 2, time.Time{})
	require.False(t, r.IsNew)
	assert.Equal(t, []string{"connect", "to", "remote", "host", "<*>", "failed"}, r.Cluster.Template)
}

func TestDifferentLengthsGetDifferentClusters(t *testing.T) {
	tree := New(DefaultConfig())
	r1 := insert(tree, "a b c", 1, time.Time{})
	r2 := insert(tree, "a b c d", 2, time.Time{})
	assert.NotEqual(t, r1.Cluster.ID, r2.Cluster.ID)
}

func TestSimilarityBelowThresholdCreatesNewCluster(t *testing.T) {
	tree := New(DefaultConfig())
	insert(tree, "one two three four five", 1, time.Time{})
	r := insert(tree, "uno dos tres quatro cinco", 2, time.Time{})
	assert.True(t, r.IsNew)
}

func TestTemplateIDStableHash(t *testing.T) {
	a := hashTokens([]string{"a", "b", "c"})
	b := hashTokens([]string{"a", "b", "c"})
	c := hashTokens([]string{"a", "b", "d"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestClusterCapEvictsToOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusters = 2
	tree := New(cfg)

	insert(tree, "alpha one", 1, time.Time{})
	insert(tree, "beta two", 2, time.Time{})
	insert(tree, "gamma three", 3, time.Time{})

	assert.Equal(t, int64(1), tree.OverflowCount())
}

func TestInvariantI2TemplateLengthConstant(t *testing.T) {
	tree := New(DefaultConfig())
	texts := []string{
		"request handled for user alice in 10ms",
		"request handled for user bob in 20ms",
		"request handled for user carol in 5ms",
	}
	var clusterID uint64
	for i, text := range texts {
		r := insert(tree, text, int64(i), time.Time{})
		if i == 0 {
			clusterID = r.Cluster.ID
		} else {
			assert.Equal(t, clusterID, r.Cluster.ID)
		}
		assert.Equal(t, len(Tokenize(text)), len(r.Cluster.Template))
	}
}

func TestFirstSeenLastSeenOrdering(t *testing.T) {
	tree := New(DefaultConfig())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insert(tree, "steady state", 1, base)
	r := insert(tree, "steady state", 2, base.Add(5*time.Second))
	assert.True(t, r.Cluster.FirstSeen.Before(r.Cluster.LastSeen) || r.Cluster.FirstSeen.Equal(r.Cluster.LastSeen))
	assert.True(t, !r.Cluster.FirstSeen.After(r.Cluster.LastSeen))
}
