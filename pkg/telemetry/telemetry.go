// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes prometheus metrics for the kernel components.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kernel's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	tokenGrants        *prometheus.CounterVec
	sandboxExecutions  *prometheus.CounterVec
	sandboxDuration    prometheus.Histogram
	eventsPublished    *prometheus.CounterVec
	eventsDelivered    *prometheus.CounterVec
	eventsDeadLettered *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_oauth_token_grants_total",
			Help: "Token endpoint grants by grant type and result.",
		}, []string{"grant_type", "result"}),
		sandboxExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_sandbox_executions_total",
			Help: "Sandbox executions by language and outcome.",
		}, []string{"language", "outcome"}),
		sandboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiln_sandbox_execution_duration_seconds",
			Help:    "Sandbox execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_events_published_total",
			Help: "Events published by topic.",
		}, []string{"topic"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_events_delivered_total",
			Help: "Event deliveries by topic and result.",
		}, []string{"topic", "result"}),
		eventsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_events_dead_lettered_total",
			Help: "Events moved to the dead-letter topic.",
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.tokenGrants,
		m.sandboxExecutions,
		m.sandboxDuration,
		m.eventsPublished,
		m.eventsDelivered,
		m.eventsDeadLettered,
	)
	return m
}

// Handler returns the /metrics HTTP handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TokenGrant records a token endpoint outcome.
func (m *Metrics) TokenGrant(grantType, result string) {
	if m == nil {
		return
	}
	m.tokenGrants.WithLabelValues(grantType, result).Inc()
}

// SandboxExecution records an execution outcome and duration in seconds.
func (m *Metrics) SandboxExecution(language, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sandboxExecutions.WithLabelValues(language, outcome).Inc()
	m.sandboxDuration.Observe(seconds)
}

// EventPublished records a publish on topic.
func (m *Metrics) EventPublished(topic string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(topic).Inc()
}

// EventDelivered records a delivery attempt result on topic.
func (m *Metrics) EventDelivered(topic, result string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(topic, result).Inc()
}

// EventDeadLettered records an exhausted delivery on topic.
func (m *Metrics) EventDeadLettered(topic string) {
	if m == nil {
		return
	}
	m.eventsDeadLettered.WithLabelValues(topic).Inc()
}
