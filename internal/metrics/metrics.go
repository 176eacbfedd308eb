// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors on a private registry.
type Metrics struct {
	// Delivery counters
	SendsTotal            *prometheus.CounterVec
	RateLimitDeniedTotal  *prometheus.CounterVec
	AccountUnhealthyTotal *prometheus.CounterVec

	// Campaign gauges
	CampaignsRunning prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_total",
				Help: "Delivery attempts by outcome and account",
			},
			[]string{"outcome", "account"},
		),
		RateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_ratelimit_denied_total",
				Help: "Admissions denied by the rate limiter, by level",
			},
			[]string{"level"},
		),
		AccountUnhealthyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_account_unhealthy_total",
				Help: "Times an account was taken out of rotation",
			},
			[]string{"account"},
		),
		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_campaigns_running",
				Help: "Number of campaigns currently running",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.RateLimitDeniedTotal,
		m.AccountUnhealthyTotal,
		m.CampaignsRunning,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSend records one delivery attempt outcome. Safe on a nil receiver
// so callers can run without metrics wired.
func (m *Metrics) ObserveSend(outcome, account string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome, account).Inc()
}

// ObserveRateLimitDenied records a denied admission.
func (m *Metrics) ObserveRateLimitDenied(level string) {
	if m == nil {
		return
	}
	m.RateLimitDeniedTotal.WithLabelValues(level).Inc()
}

// ObserveAccountUnhealthy records an account leaving rotation.
func (m *Metrics) ObserveAccountUnhealthy(account string) {
	if m == nil {
		return
	}
	m.AccountUnhealthyTotal.WithLabelValues(account).Inc()
}

// CampaignStarted and CampaignStopped track the running-campaign gauge.
func (m *Metrics) CampaignStarted() {
	if m == nil {
		return
	}
	m.CampaignsRunning.Inc()
}

func (m *Metrics) CampaignStopped() {
	if m == nil {
		return
	}
	m.CampaignsRunning.Dec()
}

// ObserveAPIRequest records one handled API request.
func (m *Metrics) ObserveAPIRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(seconds)
}
