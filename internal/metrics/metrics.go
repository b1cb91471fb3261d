// Package metrics exposes Prometheus collectors for evidence processing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	framesSampled    prometheus.Counter
	activeJobs       prometheus.Gauge
	detectorFailures *prometheus.CounterVec
	uploadsRejected  prometheus.Counter
	evicted          prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers the collectors on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exhibit_jobs_total",
			Help: "Total number of evidence jobs finished, by terminal status",
		}, []string{"status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exhibit_job_duration_seconds",
			Help:    "Duration of evidence jobs from start of processing to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		framesSampled: f.NewCounter(prometheus.CounterOpts{
			Name: "exhibit_frames_sampled_total",
			Help: "Total number of sampled frames analyzed across all jobs",
		}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "exhibit_active_jobs",
			Help: "Number of jobs currently holding a worker slot",
		}),
		detectorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exhibit_detector_failures_total",
			Help: "Total number of failed detector calls, by capability",
		}, []string{"capability"}),
		uploadsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "exhibit_uploads_rejected_total",
			Help: "Total number of uploads rejected by admission control",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "exhibit_jobs_evicted_total",
			Help: "Total number of terminal jobs removed by retention",
		}),
	}
}

// JobStarted marks a job as holding a worker slot.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished records a job leaving its worker slot with the given status.
func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// FrameSampled counts one analyzed frame.
func (m *Metrics) FrameSampled() {
	if m == nil {
		return
	}
	m.framesSampled.Inc()
}

// DetectorFailed counts one failed capability call.
func (m *Metrics) DetectorFailed(capability string) {
	if m == nil {
		return
	}
	m.detectorFailures.WithLabelValues(capability).Inc()
}

// UploadRejected counts one upload refused by admission control.
func (m *Metrics) UploadRejected() {
	if m == nil {
		return
	}
	m.uploadsRejected.Inc()
}

// Evicted counts jobs removed by retention.
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
