package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors. Each hub owns its own
// registry so multiple hubs can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	jobsEnqueued  prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsStopped   prometheus.Counter
	jobsRequeued  *prometheus.CounterVec

	queueLength      prometheus.Gauge
	workersConnected prometheus.Gauge
	clientsConnected prometheus.Gauge
	sessionsActive   prometheus.Gauge

	queueWait prometheus.Histogram
}

// NewMetrics creates the broker's collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		jobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the queue",
		}),
		jobsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_jobs_assigned_total",
			Help: "Total number of offers dispatched to workers",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_jobs_completed_total",
			Help: "Total number of jobs reported done by workers",
		}),
		jobsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_jobs_stopped_total",
			Help: "Total number of jobs stopped after their last client left",
		}),
		jobsRequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_jobs_requeued_total",
			Help: "Total number of jobs pushed back to the queue head, by reason",
		}, []string{"reason"}),

		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_queue_length",
			Help: "Number of jobs currently waiting in the queue",
		}),
		workersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_workers_connected",
			Help: "Number of workers currently registered",
		}),
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_clients_connected",
			Help: "Number of open client subscriber sockets",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_sessions_active",
			Help: "Number of session records held in memory",
		}),

		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_queue_wait_seconds",
			Help:    "Time a job spent queued before being dispatched",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}

// Handler returns an HTTP handler exposing the collectors in Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
