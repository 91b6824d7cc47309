// Package metrics exposes the engine's Prometheus instrumentation: one
// counter/gauge/histogram per pipeline stage, registered once and served
// over an optional HTTP surface for streaming mode.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	LinesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logoscope_lines_ingested_total",
		Help: "Total number of raw lines ingested",
	})

	EntriesAssembledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logoscope_entries_assembled_total",
		Help: "Total number of logical entries assembled from raw lines",
	})

	ClustersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logoscope_clusters_total",
		Help: "Current number of live Drain clusters",
	})

	ClusterEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logoscope_cluster_evictions_total",
		Help: "Total number of clusters evicted to stay under max_clusters",
	})

	OverflowLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logoscope_overflow_lines_total",
		Help: "Total number of lines folded into the overflow cluster",
	})

	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logoscope_anomalies_total",
		Help: "Total number of anomalies detected, by kind",
	}, []string{"kind"})

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logoscope_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	StreamingTickTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logoscope_streaming_tick_total",
		Help: "Total number of streaming-mode ticks processed",
	})
)

// RecordLineIngested increments the ingested-line counter.
func RecordLineIngested() { LinesIngestedTotal.Inc() }

// RecordEntryAssembled increments the assembled-entry counter.
func RecordEntryAssembled() { EntriesAssembledTotal.Inc() }

// SetClustersTotal reports the current live-cluster count.
func SetClustersTotal(n int) { ClustersTotal.Set(float64(n)) }

// RecordClusterEviction increments the cluster-eviction counter.
func RecordClusterEviction() { ClusterEvictionsTotal.Inc() }

// RecordOverflowLine increments the overflow-line counter.
func RecordOverflowLine() { OverflowLinesTotal.Inc() }

// RecordAnomaly increments the anomaly counter for kind (numeric_outlier,
// cardinality_explosion, new_pattern, rare_pattern).
func RecordAnomaly(kind string) { AnomaliesTotal.WithLabelValues(kind).Inc() }

// ObserveStageDuration records how long stage took to run.
func ObserveStageDuration(stage string, d time.Duration) {
	StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStreamingTick increments the streaming-tick counter.
func RecordStreamingTick() { StreamingTickTotal.Inc() }

// Server is the optional /metrics and /healthz HTTP surface for streaming
// mode, bound to whatever address it is given; there is no default address.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics/health server bound to addr. It does not start
// listening until Start is called.
func NewServer(addr string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: r},
		logger: logger,
	}
}

// Start runs the server in a background goroutine.
func (s *Server) Start() {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}
