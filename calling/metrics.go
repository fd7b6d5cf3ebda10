/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the calling components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	callTransitions      *prometheus.CounterVec
	callDuration         prometheus.Histogram
	activeCalls          prometheus.Gauge
	registrationStatus   *prometheus.GaugeVec
	connectionHealthy    prometheus.Gauge
	reconnectAttempts    prometheus.Counter
	reconnectExhausted   prometheus.Counter
	historyFetchFailures prometheus.Counter
	errors               *prometheus.CounterVec
	micLevel             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "call_transitions_total",
			Help:      "Call session state transitions.",
		}, []string{"from", "to"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "softphone",
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "active_calls",
			Help:      "1 while a call session is in progress.",
		}),
		registrationStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "registration_status",
			Help:      "Current device registration status (1 for the active status).",
		}, []string{"status"}),
		connectionHealthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "connection_healthy",
			Help:      "1 when the signaling link is healthy.",
		}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled or triggered.",
		}),
		reconnectExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "reconnect_exhausted_total",
			Help:      "Times automatic reconnection gave up.",
		}),
		historyFetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "history_fetch_failures_total",
			Help:      "Call history fetches that failed after retries.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "errors_total",
			Help:      "Errors reported to the agent, by kind.",
		}, []string{"kind"}),
		micLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "mic_level",
			Help:      "Most recent microphone RMS level (0..1).",
		}),
	}
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from, to).Inc()
	if CallStatus(to).IsActive() {
		m.activeCalls.Set(1)
	} else {
		m.activeCalls.Set(0)
	}
}

func (m *Metrics) callEnded(durationSeconds int) {
	if m == nil || durationSeconds <= 0 {
		return
	}
	m.callDuration.Observe(float64(durationSeconds))
}

func (m *Metrics) registration(status RegistrationStatus) {
	if m == nil {
		return
	}
	for _, s := range []RegistrationStatus{
		RegistrationStatusUnregistered,
		RegistrationStatusRegistering,
		RegistrationStatusRegistered,
		RegistrationStatusError,
	} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.registrationStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) health(h ConnectionHealth) {
	if m == nil {
		return
	}
	if h.IsHealthy {
		m.connectionHealthy.Set(1)
	} else {
		m.connectionHealthy.Set(0)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) exhausted() {
	if m == nil {
		return
	}
	m.reconnectExhausted.Inc()
}

func (m *Metrics) historyFailed() {
	if m == nil {
		return
	}
	m.historyFetchFailures.Inc()
}

func (m *Metrics) errorReported(err error) {
	if m == nil {
		return
	}
	kind := string(KindOf(err))
	if kind == "" {
		kind = "other"
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) level(v float64) {
	if m == nil {
		return
	}
	m.micLevel.Set(v)
}
