package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline's operational meters. One instance is built
// at startup against the server's registry; tests build their own.
type Metrics struct {
	ChunksIngested   prometheus.Counter
	UploadBytes      prometheus.Counter
	UploadsByOutcome *prometheus.CounterVec

	MergesByOutcome   *prometheus.CounterVec
	MergeStageSeconds *prometheus.HistogramVec
	ActiveMergeJobs   prometheus.Gauge

	MediaBytesServed prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_chunks_ingested_total",
			Help: "Chunks accepted into the chunk store",
		}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_ingested_total",
			Help: "Payload bytes accepted across all upload sessions",
		}),
		UploadsByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_sessions_total",
			Help: "Upload sessions reaching a terminal state",
		}, []string{"outcome"}),
		MergesByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "merge_sessions_total",
			Help: "Merge sessions reaching a terminal state",
		}, []string{"outcome"}),
		MergeStageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "merge_stage_duration_seconds",
			Help:    "Wall time spent in each merge pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"stage"}),
		ActiveMergeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "merge_active_jobs",
			Help: "Merge jobs currently executing on this node",
		}),
		MediaBytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "media_bytes_served_total",
			Help: "Artifact bytes streamed to clients",
		}),
	}
}
