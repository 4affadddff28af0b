// Package metrics exposes terminal operational counters and gauges in
// Prometheus exposition format, covering the same concerns the
// gateway's hand-rolled registry did (request volume, latency,
// queue/backlog gauges) via the real prometheus client instead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the terminal exposes on /metrics.
type Registry struct {
	reg *prometheus.Registry

	OrdersCreated   *prometheus.CounterVec
	PaymentsSubmitted *prometheus.CounterVec
	SyncCycles      prometheus.Counter
	SyncLatency     prometheus.Histogram
	OutboxPending   prometheus.Gauge
	OutboxFailed    prometheus.Gauge
	NetworkOnline   prometheus.Gauge
	PrintJobsSpooled *prometheus.CounterVec
	ZReportsGenerated prometheus.Counter
}

// New builds a fresh metric registry and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		OrdersCreated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "smallpos_orders_created_total",
			Help: "Orders created, by order type.",
		}, []string{"order_type"}),
		PaymentsSubmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "smallpos_payments_submitted_total",
			Help: "Payments submitted to the admin backend, by outcome.",
		}, []string{"outcome"}),
		SyncCycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "smallpos_sync_cycles_total",
			Help: "Completed sync engine ticks.",
		}),
		SyncLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "smallpos_sync_cycle_duration_seconds",
			Help:    "Wall-clock duration of a single sync engine tick.",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "smallpos_outbox_pending",
			Help: "Outbox rows currently pending submission.",
		}),
		OutboxFailed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "smallpos_outbox_failed",
			Help: "Outbox rows that exhausted retries.",
		}),
		NetworkOnline: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "smallpos_network_online",
			Help: "1 if the last admin health check succeeded, 0 otherwise.",
		}),
		PrintJobsSpooled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "smallpos_print_jobs_total",
			Help: "Print jobs spooled, by terminal outcome.",
		}, []string{"outcome"}),
		ZReportsGenerated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "smallpos_z_reports_generated_total",
			Help: "Z-reports generated (preview or persisted).",
		}),
	}
	return r
}

// Handler returns the standard Prometheus text-exposition HTTP handler
// for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
