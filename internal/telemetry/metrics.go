package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_jobs_submitted_total", Help: "Jobs accepted into the queue"})
	JobsRejected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_jobs_rejected_total", Help: "Submissions rejected because the queue was full"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_jobs_completed_total", Help: "Jobs that produced an artifact"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsTimedOut    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_jobs_timed_out_total", Help: "Jobs that exceeded the execution timeout"})
	ArtifactsSwept  = prometheus.NewCounter(prometheus.CounterOpts{Name: "imagegen_artifacts_swept_total", Help: "Expired artifacts removed by the TTL sweep"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imagegen_queue_depth", Help: "Jobs currently waiting in the queue"})
	ProcessingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imagegen_processing", Help: "Jobs currently occupying a worker slot"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			JobsCompleted,
			JobsFailed,
			JobsTimedOut,
			ArtifactsSwept,
			QueueDepthGauge,
			ProcessingGauge,
		)
	})
	return promhttp.Handler()
}
