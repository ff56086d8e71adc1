package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

func (m *Manager) initBusMetrics() {
	m.busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_total",
			Help: "Total number of bus publishes by message type and status",
		},
		[]string{"type", "status"},
	)

	m.busRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_retries_total",
			Help: "Total number of publish retries",
		},
		[]string{"type"},
	)

	m.busDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_degraded_mode",
			Help: "Whether publishing is currently failing (1) or healthy (0)",
		},
	)

	m.busOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_outages_total",
			Help: "Total number of detected bus outages",
		},
	)

	m.busRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_recoveries_total",
			Help: "Total number of recoveries from bus outages",
		},
	)

	m.busConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_consumed_total",
			Help: "Total number of consumed messages by type and status",
		},
		[]string{"type", "status"},
	)

	m.busRedelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_redeliveries_total",
			Help: "Total number of handler redeliveries",
		},
		[]string{"type"},
	)

	m.busDeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_dead_letters_total",
			Help: "Total number of messages given up after the last delivery",
		},
		[]string{"type"},
	)

	m.registry.MustRegister(m.busPublished)
	m.registry.MustRegister(m.busRetries)
	m.registry.MustRegister(m.busDegraded)
	m.registry.MustRegister(m.busOutages)
	m.registry.MustRegister(m.busRecoveries)
	m.registry.MustRegister(m.busConsumed)
	m.registry.MustRegister(m.busRedelivered)
	m.registry.MustRegister(m.busDeadLetters)
}

// RecordPublish records one publish outcome.
func (m *Manager) RecordPublish(messageType saga.MessageType, status string) {
	if !m.enabled {
		return
	}
	m.busPublished.WithLabelValues(string(messageType), status).Inc()
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry(messageType saga.MessageType) {
	if !m.enabled {
		return
	}
	m.busRetries.WithLabelValues(string(messageType)).Inc()
}

// SetDegradedMode flips the degraded gauge.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.busDegraded.Set(1)
		return
	}
	m.busDegraded.Set(0)
}

// RecordOutage records the start of a bus outage.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.busOutages.Inc()
}

// RecordRecovery records the end of a bus outage.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.busRecoveries.Inc()
}

// RecordConsumed records one consumed message.
func (m *Manager) RecordConsumed(messageType saga.MessageType, status string) {
	if !m.enabled {
		return
	}
	m.busConsumed.WithLabelValues(string(messageType), status).Inc()
}

// RecordRedelivery records one handler redelivery.
func (m *Manager) RecordRedelivery(messageType saga.MessageType) {
	if !m.enabled {
		return
	}
	m.busRedelivered.WithLabelValues(string(messageType)).Inc()
}

// RecordDeadLetter records one dead-lettered message.
func (m *Manager) RecordDeadLetter(messageType saga.MessageType) {
	if !m.enabled {
		return
	}
	m.busDeadLetters.WithLabelValues(string(messageType)).Inc()
}
