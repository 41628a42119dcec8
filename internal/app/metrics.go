package app

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the workflow's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	DecisionsTotal       *prometheus.CounterVec
	GatewayCallsTotal    *prometheus.CounterVec
	GatewayCallDuration  *prometheus.HistogramVec
	SettlementsTotal     *prometheus.CounterVec
	ReconcileRunDuration prometheus.Histogram
	ReconcileItemsTotal  *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	Outstanding          prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_decisions_total",
			Help: "Staff decisions by action and outcome kind.",
		}, []string{"action", "outcome"}),
		GatewayCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_gateway_calls_total",
			Help: "Calls to the payment gateway by operation and result.",
		}, []string{"operation", "result"}),
		GatewayCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "withdrawal_gateway_call_duration_seconds",
			Help:    "Latency of payment gateway calls.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0, 15.0},
		}, []string{"operation"}),
		SettlementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_settlements_total",
			Help: "Settlement updates applied by source and resulting status.",
		}, []string{"source", "status"}),
		ReconcileRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "withdrawal_reconcile_run_duration_seconds",
			Help:    "Duration of reconciliation sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_reconcile_items_total",
			Help: "Outstanding disbursements visited by the reconciliation sweep, by result.",
		}, []string{"result"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "path"}),
		Outstanding: f.NewGauge(prometheus.GaugeOpts{
			Name: "withdrawal_outstanding_disbursements",
			Help: "Disbursements awaiting settlement, as seen by the last summary or sweep.",
		}),
	}
}

func (m *Metrics) observeDecision(action, outcome string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.DecisionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) observeGatewayCall(operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(operation, result).Inc()
	m.GatewayCallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeSettlement(source, status string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(source, status).Inc()
}

func (m *Metrics) observeReconcile(result *ReconcileResult, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}
	m.ReconcileRunDuration.Observe(elapsed.Seconds())
	m.ReconcileItemsTotal.WithLabelValues("settled").Add(float64(result.Settled))
	m.ReconcileItemsTotal.WithLabelValues("failed").Add(float64(result.Failed))
	m.ReconcileItemsTotal.WithLabelValues("acknowledged").Add(float64(result.Acknowledged))
	m.ReconcileItemsTotal.WithLabelValues("still_pending").Add(float64(result.StillPending))
	m.ReconcileItemsTotal.WithLabelValues("error").Add(float64(result.Errors))
}

func (m *Metrics) setOutstanding(n int) {
	if m == nil {
		return
	}
	m.Outstanding.Set(float64(n))
}

// ObserveHTTP records one served request. path should be the route pattern.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil || path == "" {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
