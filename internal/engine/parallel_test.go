package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/probelabs/logoscope/pkg/types"
	"github.com/stretchr/testify/require"
)

func rawLines(sourceID string, texts []string) []types.RawLine {
	out := make([]types.RawLine, len(texts))
	for i, t := range texts {
		out[i] = types.RawLine{SourceID: sourceID, LineOrdinal: int64(i), Text: t}
	}
	return out
}

func TestIngestBatchMatchesSerialIngestClusterCount(t *testing.T) {
	var texts []string
	for i := 0; i < 50; i++ {
		texts = append(texts, fmt.Sprintf("user %d logged in", i%5))
	}

	serial := New(DefaultConfig(), nil)
	ingestLines(t, serial, "app", texts)
	serial.Finalize()

	batch := New(DefaultConfig(), nil)
	require.NoError(t, batch.IngestBatch(context.Background(), rawLines("app", texts)))
	batch.Finalize()

	require.Equal(t, len(serial.tree.Clusters()), len(batch.tree.Clusters()))
	require.Equal(t, serial.TotalLines(), batch.TotalLines())
}

func TestIngestBatchPreservesLineOrdinalOrder(t *testing.T) {
	texts := []string{"alpha 1", "alpha 2", "alpha 3", "alpha 4"}
	a := New(DefaultConfig(), nil)
	require.NoError(t, a.IngestBatch(context.Background(), rawLines("app", texts)))
	a.Finalize()

	lines := a.QueryIndex().BySource("app")
	require.Len(t, lines, len(texts))
	for i, l := range lines {
		require.Equal(t, int64(i), l.LineOrdinal)
	}
}

func TestIngestBatchUsesWorkerPoolWhenMultipleWorkers(t *testing.T) {
	a := New(DefaultConfig(), nil)
	a.parallelCfg = parallelPoolConfig{MaxWorkers: 4, LocalCacheCap: 64}

	var texts []string
	for i := 0; i < 200; i++ {
		texts = append(texts, fmt.Sprintf("request %d completed in %dms", i, i*2))
	}
	require.NoError(t, a.IngestBatch(context.Background(), rawLines("svc", texts)))
	a.Finalize()

	require.Equal(t, int64(len(texts)), a.TotalLines())
}

func TestIngestBatchEmptyInputIsNoop(t *testing.T) {
	a := New(DefaultConfig(), nil)
	require.NoError(t, a.IngestBatch(context.Background(), nil))
	require.Equal(t, int64(0), a.TotalLines())
}

func TestIngestBatchRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(DefaultConfig(), nil)
	err := a.IngestBatch(ctx, rawLines("app", []string{"hello"}))
	require.Error(t, err)
	require.True(t, a.incomplete)
}
