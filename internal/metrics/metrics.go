// Package metrics exports job and HTTP metrics in the Prometheus format.
//
// Metrics live on a private registry rather than the global default so that
// several instances (tests, embedded servers) never collide on registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	BytesWritten prometheus.Counter
	JobActive    prometheus.Gauge
	JobProgress  prometheus.Gauge

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New registers all collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of transcode jobs accepted",
		}, []string{"container"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of transcode jobs by terminal state and error type",
		}, []string{"state", "error_type"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from submit to terminal state",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"state"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes written to output sinks",
		}),
		JobActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_active",
			Help:      "Whether a job is currently running (1 = running, 0 = idle)",
		}),
		JobProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_progress_ratio",
			Help:      "Progress of the running job, -1 while indeterminate",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsStarted,
		m.JobsFinished,
		m.JobDuration,
		m.BytesWritten,
		m.JobActive,
		m.JobProgress,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)

	// export every terminal state from the first scrape
	for _, state := range []types.JobState{types.JobStateCompleted, types.JobStateCanceled, types.JobStateFailed} {
		m.JobDuration.WithLabelValues(string(state))
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer returns a controller observer that feeds the job collectors.
func (m *Metrics) Observer() controller.Observer {
	return &jobObserver{m: m}
}

type jobObserver struct {
	m *Metrics
}

func (o *jobObserver) JobStarted(s controller.Snapshot) {
	o.m.JobsStarted.WithLabelValues(string(s.Container)).Inc()
	o.m.JobActive.Set(1)
	o.m.JobProgress.Set(s.Progress)
}

func (o *jobObserver) JobProgress(_ string, progress float64) {
	o.m.JobProgress.Set(progress)
}

func (o *jobObserver) JobFinished(r controller.Result) {
	errType := ""
	if r.Err != nil {
		errType = string(tcerrors.GetType(r.Err))
	}
	o.m.JobsFinished.WithLabelValues(string(r.State), errType).Inc()
	o.m.JobDuration.WithLabelValues(string(r.State)).Observe(r.Elapsed().Seconds())
	o.m.BytesWritten.Add(float64(r.BytesWritten))
	o.m.JobActive.Set(0)
	o.m.JobProgress.Set(0)
}

// GinMiddleware records request counts and latency. Paths are labeled by
// route template so job IDs do not blow up cardinality.
func (m *Metrics) GinMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		if skip[path] {
			c.Next()
			return
		}

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
