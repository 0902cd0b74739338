/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus instrumentation for the canary
// engine's HTTP surface and domain events (releases, rollbacks, checks).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rollback reason label values.
const (
	ReasonManual = "manual"
	ReasonAuto   = "auto"
)

// Check outcome label values.
const (
	CheckOutcomeRolledBack   = "rolled_back"
	CheckOutcomeAcceptable   = "acceptable"
	CheckOutcomeNoCanary     = "no_canary"
	CheckOutcomeInsufficient = "insufficient_samples"
)

// DefaultHTTPDurationBuckets are histogram buckets for HTTP request durations.
var DefaultHTTPDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds every Prometheus collector emitted by the canary engine.
type Metrics struct {
	// RequestDuration tracks HTTP request duration in seconds by method, route, and status code.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec

	// ReleasesTotal counts canary releases created.
	ReleasesTotal prometheus.Counter

	// RollbacksTotal counts rollbacks by reason (manual vs auto).
	RollbacksTotal *prometheus.CounterVec

	// ChecksTotal counts canary health checks by outcome.
	ChecksTotal *prometheus.CounterVec

	// EvaluationsRecorded counts evaluations recorded, by canary/active role.
	EvaluationsRecorded *prometheus.CounterVec

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries *prometheus.CounterVec
}

// Config configures metrics construction.
type Config struct {
	DurationBuckets []float64
}

// New creates and registers Metrics against the default Prometheus registry.
func New(cfg *Config) *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewWithRegisterer creates Metrics registered against reg. Use
// prometheus.NewRegistry() in tests to avoid collisions across packages.
func NewWithRegisterer(reg prometheus.Registerer, cfg *Config) *Metrics {
	buckets := DefaultHTTPDurationBuckets
	if cfg != nil && cfg.DurationBuckets != nil {
		buckets = cfg.DurationBuckets
	}

	factory := promauto.With(reg)
	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptcanary_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: buckets,
		}, []string{"method", "route", "status_code"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcanary_http_requests_total",
			Help: "Total HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),

		ReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "promptcanary_releases_total",
			Help: "Total canary releases created",
		}),

		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcanary_rollbacks_total",
			Help: "Total rollbacks by reason",
		}, []string{"reason"}),

		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcanary_checks_total",
			Help: "Total canary health checks by outcome",
		}, []string{"outcome"}),

		EvaluationsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcanary_evaluations_recorded_total",
			Help: "Total evaluations recorded, by version role",
		}, []string{"role"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcanary_webhook_deliveries_total",
			Help: "Total rollback webhook delivery attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Initialize pre-registers label combinations so they appear in /metrics
// at startup with a zero value, rather than only on first occurrence.
func (m *Metrics) Initialize() {
	for _, reason := range []string{ReasonManual, ReasonAuto} {
		m.RollbacksTotal.WithLabelValues(reason).Add(0)
	}
	for _, outcome := range []string{CheckOutcomeRolledBack, CheckOutcomeAcceptable, CheckOutcomeNoCanary, CheckOutcomeInsufficient} {
		m.ChecksTotal.WithLabelValues(outcome).Add(0)
	}
	for _, role := range []string{"active", "canary"} {
		m.EvaluationsRecorded.WithLabelValues(role).Add(0)
	}
}

// RecordRelease increments the releases counter.
func (m *Metrics) RecordRelease() {
	m.ReleasesTotal.Inc()
}

// RecordRollback increments the rollbacks counter for reason.
func (m *Metrics) RecordRollback(reason string) {
	m.RollbacksTotal.WithLabelValues(reason).Inc()
}

// RecordCheck increments the checks counter for outcome.
func (m *Metrics) RecordCheck(outcome string) {
	m.ChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordEvaluation increments the evaluations counter for a canary/active role.
func (m *Metrics) RecordEvaluation(isCanary bool) {
	role := "active"
	if isCanary {
		role = "canary"
	}
	m.EvaluationsRecorded.WithLabelValues(role).Inc()
}

// RecordWebhookDelivery increments the webhook delivery counter for an outcome.
func (m *Metrics) RecordWebhookDelivery(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// statusCapture wraps http.ResponseWriter to capture the status code.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (s *statusCapture) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request duration and
// count, labeled by method, route, and status code.
func Middleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sc, r)

		duration := time.Since(start).Seconds()
		route := normalizeRoute(r)
		status := strconv.Itoa(sc.code)

		m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(duration)
		m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// normalizeRoute extracts a low-cardinality route label from the request,
// preferring the registered Go 1.22+ ServeMux pattern over the raw path so
// path parameters (e.g. prompt ids) never blow up metric cardinality.
func normalizeRoute(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	return r.URL.Path
}
