package anomaly

import (
	"testing"
	"time"

	"github.com/probelabs/logoscope/internal/paramstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildParamsWithOutlier() *paramstats.ClusterParams {
	tr := paramstats.New(paramstats.DefaultConfig())
	template := []string{"latency", "<*>", "ms"}
	for i := 0; i < 99; i++ {
		tr.ObserveTemplate(1, template, []string{"latency", itoa(20 + i%61), "ms"})
	}
	tr.ObserveTemplate(1, template, []string{"latency", "12000", "ms"})
	return tr.ParamsFor(1)
}

func TestNumericOutlierDetection(t *testing.T) {
	d := New(DefaultConfig())
	params := buildParamsWithOutlier()
	outliers := d.NumericOutliers(1, "latency <*> ms", params)
	require.NotEmpty(t, outliers)
	found := false
	for _, o := range outliers {
		if o.Value == "12000" {
			found = true
			assert.GreaterOrEqual(t, o.ZScore, defaultZThreshold)
		}
	}
	assert.True(t, found)
}

func TestCardinalityExplosionDetection(t *testing.T) {
	tr := paramstats.New(paramstats.DefaultConfig())
	template := []string{"user", "<*>"}
	for i := 0; i < 60; i++ {
		tr.ObserveTemplate(1, template, []string{"user", uniqueValue(i)})
	}
	params := tr.ParamsFor(1)

	d := New(DefaultConfig())
	explosions := d.CardinalityExplosions(1, "user <*>", params)
	require.NotEmpty(t, explosions)
	assert.Equal(t, int64(60), explosions[0].Total)
}

func TestNoCardinalityExplosionBelowMinTotal(t *testing.T) {
	tr := paramstats.New(paramstats.DefaultConfig())
	template := []string{"user", "<*>"}
	for i := 0; i < 10; i++ {
		tr.ObserveTemplate(1, template, []string{"user", uniqueValue(i)})
	}
	params := tr.ParamsFor(1)

	d := New(DefaultConfig())
	assert.Empty(t, d.CardinalityExplosions(1, "user <*>", params))
}

func TestNewPatternDetection(t *testing.T) {
	d := New(DefaultConfig())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clusters := []ClusterInfo{
		{ID: 1, Template: "steady", MemberCount: 9000, CreatedSeq: 0, CreatedAt: base},
		{ID: 2, Template: "late arrival", MemberCount: 5, CreatedSeq: 9500, CreatedAt: base.Add(23 * time.Hour)},
	}
	anomalies := d.PatternAnomalies(clusters, 10000, base, base.Add(24*time.Hour), 0)

	var sawNew bool
	for _, a := range anomalies {
		if a.ClusterID == 2 && a.Kind == PatternNew {
			sawNew = true
		}
		if a.ClusterID == 1 && a.Kind == PatternNew {
			t.Fatalf("early cluster should not be flagged new")
		}
	}
	assert.True(t, sawNew)
}

func TestRarePatternDetectionRegardlessOfAge(t *testing.T) {
	d := New(DefaultConfig())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clusters := []ClusterInfo{
		{ID: 1, Template: "steady", MemberCount: 3, CreatedSeq: 0, CreatedAt: base},
	}
	anomalies := d.PatternAnomalies(clusters, 10000, base, base.Add(24*time.Hour), 0)
	require.Len(t, anomalies, 1)
	assert.Equal(t, PatternRare, anomalies[0].Kind)
}

func uniqueValue(i int) string {
	return "u" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}
