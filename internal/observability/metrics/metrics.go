// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline: HTTP traffic, job lifecycle counters, transcode timing, queue
// depth, and purge activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles the pipeline collectors on a private registry so tests can
// construct isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	requestCount      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	jobsStarted       prometheus.Counter
	jobsCompleted     *prometheus.CounterVec
	transcodeDuration prometheus.Histogram
	queueDepth        prometheus.Gauge
	videosPurged      prometheus.Counter
	recoveredJobs     prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with its own registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_started_total",
			Help: "Transcode jobs claimed by the worker.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Transcode jobs finished, by terminal state.",
		}, []string{"state"}),
		transcodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_transcode_duration_seconds",
			Help:    "Wall time spent transcoding one video across all rungs.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Videos currently waiting in the queued state.",
		}),
		videosPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifecycle_videos_purged_total",
			Help: "Soft-deleted videos permanently purged.",
		}),
		recoveredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_recovered_total",
			Help: "Stuck jobs re-queued by the startup recovery scan.",
		}),
	}
	registry.MustRegister(
		r.requestCount, r.requestDuration, r.jobsStarted, r.jobsCompleted,
		r.transcodeDuration, r.queueDepth, r.videosPurged, r.recoveredJobs,
	)
	return r
}

// Default returns the shared Recorder used when no custom instance is wired.
func Default() *Recorder {
	return defaultRecorder
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.requestCount.WithLabelValues(method, path, http.StatusText(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// JobStarted records a claim of a queued video by the worker.
func (r *Recorder) JobStarted() {
	r.jobsStarted.Inc()
}

// JobCompleted records a terminal job outcome ("ready" or "failed").
func (r *Recorder) JobCompleted(state string) {
	r.jobsCompleted.WithLabelValues(state).Inc()
}

// ObserveTranscode records the wall time one video spent in the transcoding
// and packaging phases.
func (r *Recorder) ObserveTranscode(duration time.Duration) {
	r.transcodeDuration.Observe(duration.Seconds())
}

// SetQueueDepth publishes the current number of queued videos.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// VideosPurged adds to the purge counter after a sweep.
func (r *Recorder) VideosPurged(count int) {
	if count > 0 {
		r.videosPurged.Add(float64(count))
	}
}

// JobsRecovered counts rows the recovery scan re-queued.
func (r *Recorder) JobsRecovered(count int) {
	if count > 0 {
		r.recoveredJobs.Add(float64(count))
	}
}
