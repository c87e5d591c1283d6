// Package metrics registers the compliance core's Prometheus collectors and
// implements the observer hooks the audit log, retention sweeper, anomaly
// detector and capture pipeline call into.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AuditAppends       *prometheus.CounterVec
	AuditAppendLatency *prometheus.HistogramVec
	RetentionRemoved   prometheus.Counter
	RetentionErrors    prometheus.Counter
	SessionsFlagged    *prometheus.CounterVec
	AuthzDecisions     *prometheus.CounterVec
	CaptureOutcomes    *prometheus.CounterVec
	DispatchOverflow   prometheus.Counter
	DispatchQueueDepth prometheus.Gauge
}

// New builds a Metrics instance on its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phicore_audit_appends_total",
			Help: "Audit entries appended by action and result",
		}, []string{"action", "result"}),
		AuditAppendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phicore_audit_append_duration_seconds",
			Help:    "Latency of audit log appends",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"result"}),
		RetentionRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "phicore_retention_removed_total",
			Help: "Audit entries removed by retention sweeps",
		}),
		RetentionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "phicore_retention_sweep_errors_total",
			Help: "Failed retention sweeps",
		}),
		SessionsFlagged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phicore_sessions_flagged_total",
			Help: "Sessions newly flagged as suspicious by severity",
		}, []string{"severity"}),
		AuthzDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phicore_authz_decisions_total",
			Help: "Authorization decisions by outcome and reason",
		}, []string{"allowed", "reason"}),
		CaptureOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phicore_capture_persist_total",
			Help: "Audit capture persistence by mode and result",
		}, []string{"mode", "result"}),
		DispatchOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "phicore_audit_dispatch_overflow_total",
			Help: "Best-effort appends that bypassed the full worker queue",
		}),
		DispatchQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "phicore_audit_dispatch_queue_depth",
			Help: "Pending best-effort appends",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveAuditAppend(action string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(action, result(success)).Inc()
	m.AuditAppendLatency.WithLabelValues(result(success)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetentionSweep(removed int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RetentionErrors.Inc()
		return
	}
	m.RetentionRemoved.Add(float64(removed))
}

func (m *Metrics) ObserveSessionFlagged(severity string) {
	if m == nil {
		return
	}
	m.SessionsFlagged.WithLabelValues(severity).Inc()
}

func (m *Metrics) ObserveDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.AuthzDecisions.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func (m *Metrics) ObservePersist(mode string, success bool) {
	if m == nil {
		return
	}
	m.CaptureOutcomes.WithLabelValues(mode, result(success)).Inc()
}

func (m *Metrics) ObserveDispatchOverflow() {
	if m == nil {
		return
	}
	m.DispatchOverflow.Inc()
}

func (m *Metrics) SetDispatchQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(n))
}
