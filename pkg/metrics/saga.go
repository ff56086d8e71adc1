package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total number of committed saga transitions",
		},
		[]string{"workflow", "from", "to"},
	)

	m.sagaIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_messages_ignored_total",
			Help: "Total number of messages ignored in the current state",
		},
		[]string{"workflow", "type"},
	)

	m.sagaDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_messages_discarded_total",
			Help: "Total number of messages discarded by reason",
		},
		[]string{"workflow", "type", "reason"},
	)

	m.sagaConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		},
		[]string{"workflow"},
	)

	m.sagaFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_faults_total",
			Help: "Total number of transitions that faulted",
		},
		[]string{"workflow"},
	)

	m.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation outcomes by status",
		},
		[]string{"workflow", "status"},
	)

	m.sagaOutbox = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_outbox_publish_total",
			Help: "Total number of outbox flushes by status",
		},
		[]string{"workflow", "status"},
	)

	m.sagaHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_handle_duration_seconds",
			Help:    "Time to handle one message in seconds",
			Buckets: cfg.HandleDurationBuckets,
		},
		[]string{"workflow"},
	)

	m.sagaInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "saga_instances",
			Help: "Number of stored saga instances by state",
		},
		[]string{"workflow", "state"},
	)

	m.registry.MustRegister(m.sagaTransitions)
	m.registry.MustRegister(m.sagaIgnored)
	m.registry.MustRegister(m.sagaDiscarded)
	m.registry.MustRegister(m.sagaConflicts)
	m.registry.MustRegister(m.sagaFaults)
	m.registry.MustRegister(m.sagaCompensations)
	m.registry.MustRegister(m.sagaOutbox)
	m.registry.MustRegister(m.sagaHandleDuration)
	m.registry.MustRegister(m.sagaInstances)
}

// RecordTransition records one committed transition.
func (m *Manager) RecordTransition(workflow, from, to string) {
	if !m.enabled {
		return
	}
	m.sagaTransitions.WithLabelValues(workflow, from, to).Inc()
}

// RecordIgnored records a message with an ignore rule in the current state.
func (m *Manager) RecordIgnored(workflow, messageType string) {
	if !m.enabled {
		return
	}
	m.sagaIgnored.WithLabelValues(workflow, messageType).Inc()
}

// RecordDiscarded records a message no rule matched.
func (m *Manager) RecordDiscarded(workflow, messageType, reason string) {
	if !m.enabled {
		return
	}
	m.sagaDiscarded.WithLabelValues(workflow, messageType, reason).Inc()
}

// RecordConflict records a lost compare-and-swap.
func (m *Manager) RecordConflict(workflow string) {
	if !m.enabled {
		return
	}
	m.sagaConflicts.WithLabelValues(workflow).Inc()
}

// RecordFault records a faulted transition.
func (m *Manager) RecordFault(workflow string) {
	if !m.enabled {
		return
	}
	m.sagaFaults.WithLabelValues(workflow).Inc()
}

// RecordCompensation records one compensation outcome.
func (m *Manager) RecordCompensation(workflow, status string) {
	if !m.enabled {
		return
	}
	m.sagaCompensations.WithLabelValues(workflow, status).Inc()
}

// RecordOutboxPublish records one outbox flush outcome.
func (m *Manager) RecordOutboxPublish(workflow, status string) {
	if !m.enabled {
		return
	}
	m.sagaOutbox.WithLabelValues(workflow, status).Inc()
}

// RecordHandleDuration records message handling latency.
func (m *Manager) RecordHandleDuration(workflow string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaHandleDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// SetInstances sets the stored instance count for one state.
func (m *Manager) SetInstances(workflow, state string, count int) {
	if !m.enabled {
		return
	}
	m.sagaInstances.WithLabelValues(workflow, state).Set(float64(count))
}
