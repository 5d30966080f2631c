// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderelay/coderelay/internal/bus"
)

// Metrics holds the process's collectors behind a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	runTransitions  *prometheus.CounterVec
	stepsCompleted  *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	approvals       *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	rateLimited     *prometheus.CounterVec
	webhookOutcomes *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderelay",
			Name:      "run_transitions_total",
			Help:      "Run status transitions by destination status.",
		}, []string{"tenant", "status"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderelay",
			Name:      "steps_completed_total",
			Help:      "Terminal step outcomes by stage and status.",
		}, []string{"stage", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coderelay",
			Name:      "step_duration_seconds",
			Help:      "Wall time of completed steps by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"stage"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderelay",
			Name:      "approval_decisions_total",
			Help:      "Approval gate outcomes.",
		}, []string{"status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coderelay",
			Name:      "breaker_open",
			Help:      "1 when the named circuit breaker is open.",
		}, []string{"name"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderelay",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the sliding-window limiter.",
		}, []string{"resource"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderelay",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by ack status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runTransitions,
		m.stepsCompleted,
		m.stepDuration,
		m.approvals,
		m.breakerState,
		m.rateLimited,
		m.webhookOutcomes,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunTransition records a run moving to status.
func (m *Metrics) RunTransition(tenantID, status string) {
	m.runTransitions.WithLabelValues(tenantID, status).Inc()
}

// StepCompleted records a terminal step outcome.
func (m *Metrics) StepCompleted(stage, status string, seconds float64) {
	m.stepsCompleted.WithLabelValues(stage, status).Inc()
	if seconds > 0 {
		m.stepDuration.WithLabelValues(stage).Observe(seconds)
	}
}

// ApprovalDecided records an approval outcome.
func (m *Metrics) ApprovalDecided(status string) {
	m.approvals.WithLabelValues(status).Inc()
}

// SetBreakerOpen records whether the named breaker is open.
func (m *Metrics) SetBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// RateLimited records a limiter rejection.
func (m *Metrics) RateLimited(resource string) {
	m.rateLimited.WithLabelValues(resource).Inc()
}

// WebhookDelivery records a webhook ack status.
func (m *Metrics) WebhookDelivery(status string) {
	m.webhookOutcomes.WithLabelValues(status).Inc()
}

// Observe consumes control-plane events from an in-process bus until ctx
// ends. Run it once per topic stream alongside the daemon.
func (m *Metrics) Observe(ctx context.Context, b *bus.Memory) {
	runs := b.Subscribe(bus.TopicRunStateChanged, 64)
	steps := b.Subscribe(bus.TopicStepCompleted, 64)
	approvals := b.Subscribe(bus.TopicApprovalDecided, 64)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-runs:
				status, _ := ev.Payload["status"].(string)
				m.RunTransition(ev.TenantID, status)
			case ev := <-steps:
				stage, _ := ev.Payload["stage"].(string)
				status, _ := ev.Payload["status"].(string)
				seconds, _ := ev.Payload["duration_seconds"].(float64)
				m.StepCompleted(stage, status, seconds)
			case ev := <-approvals:
				status, _ := ev.Payload["status"].(string)
				m.ApprovalDecided(status)
			}
		}
	}()
}
