package metrics

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersDoNotPanic(t *testing.T) {
	RecordLineIngested()
	RecordEntryAssembled()
	SetClustersTotal(42)
	RecordClusterEviction()
	RecordOverflowLine()
	RecordAnomaly("new_pattern")
	ObserveStageDuration("parse", 5*time.Millisecond)
	RecordStreamingTick()
}

func TestServerServesMetricsAndHealthz(t *testing.T) {
	addr := "127.0.0.1:18123"
	s := NewServer(addr, nil)
	s.Start()
	defer s.Stop()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	assert.Contains(t, string(metricsBody), "logoscope_lines_ingested_total")
}
