// Package metrics wraps a Prometheus registry around the scan broker's
// process-wide counters/gauges/histograms, following the teacher's
// PrometheusMetrics struct + InitPrometheus(namespace, buckets) shape
// from internal/metrics/prometheus.go, retargeted from VM-invocation
// collectors to scan-domain ones.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the scan broker's Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	scansSubmittedTotal *prometheus.CounterVec
	scansTerminalTotal  *prometheus.CounterVec
	scanDuration        prometheus.Histogram
	pollDuration        *prometheus.HistogramVec

	probeActiveScans *prometheus.GaugeVec
	probeUtilization *prometheus.GaugeVec
	circuitBreaker   *prometheus.GaugeVec

	syncRunsTotal   *prometheus.CounterVec
	syncTargetsSeen prometheus.Gauge

	schedulerDispatchedTotal *prometheus.CounterVec

	startTime time.Time
}

var defaultBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900}

// NewRegistry builds and registers the scan broker's Prometheus
// collectors under the given namespace. Passing a nil/empty buckets
// slice falls back to defaultBuckets.
func NewRegistry(namespace string, buckets []float64) *Registry {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		registry:  reg,
		startTime: time.Now(),

		scansSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_submitted_total",
			Help: "Total scans submitted, by probe.",
		}, []string{"probe"}),

		scansTerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_terminal_total",
			Help: "Total scans that reached a terminal state, by status.",
		}, []string{"status"}),

		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scan_duration_seconds",
			Help: "Wall-clock duration from scan start to terminal state.", Buckets: buckets,
		}),

		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "engine_poll_duration_seconds",
			Help: "Duration of a single get_task call, by probe.", Buckets: prometheus.DefBuckets,
		}, []string{"probe"}),

		probeActiveScans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "probe_active_scans",
			Help: "Number of scans currently in flight on a probe.",
		}, []string{"probe"}),

		probeUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "probe_utilization_ratio",
			Help: "Fraction of in-flight scans this probe is carrying of the total.",
		}, []string{"probe"}),

		circuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "probe_circuit_breaker_state",
			Help: "0=closed 1=open 2=half_open, by probe.",
		}, []string{"probe"}),

		syncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "target_sync_runs_total",
			Help: "Target Sync iterations, by outcome.",
		}, []string{"outcome"}),

		syncTargetsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_sync_targets_seen",
			Help: "Number of targets returned by the last successful sync.",
		}),

		schedulerDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_dispatched_total",
			Help: "Scans emitted by the scheduler, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.scansSubmittedTotal, r.scansTerminalTotal, r.scanDuration, r.pollDuration,
		r.probeActiveScans, r.probeUtilization, r.circuitBreaker,
		r.syncRunsTotal, r.syncTargetsSeen, r.schedulerDispatchedTotal,
	)

	return r
}

// ScanSubmitted records a new scan dispatched to probe.
func (r *Registry) ScanSubmitted(probe string) {
	r.scansSubmittedTotal.WithLabelValues(probe).Inc()
}

// ScanTerminal records a scan reaching a terminal state and its total
// wall-clock duration.
func (r *Registry) ScanTerminal(status string, duration time.Duration) {
	r.scansTerminalTotal.WithLabelValues(status).Inc()
	r.scanDuration.Observe(duration.Seconds())
}

// ObservePoll records how long one get_task round trip took.
func (r *Registry) ObservePoll(probe string, duration time.Duration) {
	r.pollDuration.WithLabelValues(probe).Observe(duration.Seconds())
}

// SetProbeActiveScans sets the live active-scan gauge for every
// configured probe, and derives each probe's utilization share.
func (r *Registry) SetProbeActiveScans(counts map[string]int) {
	total := 0
	for _, c := range counts {
		total += c
	}
	for probe, c := range counts {
		r.probeActiveScans.WithLabelValues(probe).Set(float64(c))
		if total > 0 {
			r.probeUtilization.WithLabelValues(probe).Set(float64(c) / float64(total))
		} else {
			r.probeUtilization.WithLabelValues(probe).Set(0)
		}
	}
}

// SetCircuitBreakerState records a probe's breaker state (0/1/2).
func (r *Registry) SetCircuitBreakerState(probe string, state int) {
	r.circuitBreaker.WithLabelValues(probe).Set(float64(state))
}

// RecordSyncRun records one Target Sync iteration's outcome
// ("success" or "error") and, on success, how many targets it saw.
func (r *Registry) RecordSyncRun(outcome string, targetsSeen int) {
	r.syncRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		r.syncTargetsSeen.Set(float64(targetsSeen))
	}
}

// RecordSchedulerDispatch records one scheduler-originated submission
// attempt's outcome ("success" or "error").
func (r *Registry) RecordSchedulerDispatch(outcome string) {
	r.schedulerDispatchedTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the http.Handler serving this registry in the
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
