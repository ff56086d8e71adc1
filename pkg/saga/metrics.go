package saga

import "time"

// MetricsRecorder records saga engine metrics.
type MetricsRecorder interface {
	RecordTransition(workflow, from, to string)
	RecordIgnored(workflow, messageType string)
	RecordDiscarded(workflow, messageType, reason string)
	RecordConflict(workflow string)
	RecordFault(workflow string)
	RecordCompensation(workflow, status string)
	RecordOutboxPublish(workflow, status string)
	RecordHandleDuration(workflow string, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordTransition(workflow, from, to string)            {}
func (n *nopMetricsRecorder) RecordIgnored(workflow, messageType string)            {}
func (n *nopMetricsRecorder) RecordDiscarded(workflow, messageType, reason string)  {}
func (n *nopMetricsRecorder) RecordConflict(workflow string)                        {}
func (n *nopMetricsRecorder) RecordFault(workflow string)                           {}
func (n *nopMetricsRecorder) RecordCompensation(workflow, status string)            {}
func (n *nopMetricsRecorder) RecordOutboxPublish(workflow, status string)           {}
func (n *nopMetricsRecorder) RecordHandleDuration(workflow string, d time.Duration) {}
