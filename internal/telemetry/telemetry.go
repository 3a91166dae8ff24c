// Package telemetry exposes Prometheus counters and gauges for the agent
// core's tick loop: operation state transitions, retry counts, and
// work-queue depth. This is an ambient observability concern, not one of
// spec.md's named components — wired the way the retrieved corpus wires
// Prometheus wherever a long-lived service runs a tick loop (grounded on
// Will-Luck-Docker-Sentinel's internal/metrics package).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationStateTransitions counts every retry.Context state change,
	// labeled by operation name and resulting state (spec section 3's
	// operation lifecycle states).
	OperationStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aduagent_operation_state_transitions_total",
		Help: "Total operation lifecycle state transitions, by operation and resulting state.",
	}, []string{"operation", "state"})

	// RetryScheduled counts retries recorded through RecordRetry, by
	// operation and retry category (spec section 4.2's Default/
	// ClientTransient/ServiceTransient/NonRecoverable categories).
	// retry.Context.ScheduleRetry does not call RecordRetry.
	RetryScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aduagent_operation_retries_total",
		Help: "Total retries scheduled, by operation and retry category.",
	}, []string{"operation", "category"})

	// ChannelState reports the current MQTT channel state as a gauge (0
	// Unknown, 1 Connecting, 2 Connected, 3 Disconnected — spec 4.3).
	ChannelState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aduagent_channel_state",
		Help: "Current MQTT channel state (0=Unknown, 1=Connecting, 2=Connected, 3=Disconnected).",
	})

	// ChannelDisconnects counts disconnects by classification category
	// (spec 4.3's Transient/NonRecoverable/Other buckets).
	ChannelDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aduagent_channel_disconnects_total",
		Help: "Total MQTT channel disconnects, by classification category.",
	}, []string{"category"})

	// WorkQueueDepth reports the number of deployment items waiting for
	// the update worker (internal/workqueue.Queue.Len).
	WorkQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aduagent_workqueue_depth",
		Help: "Number of deployment items currently queued for the update worker.",
	})

	// WorkflowsProcessed counts workflow outcomes recorded through
	// RecordWorkflowOutcome (spec 4.6's reporting JSON "state" values,
	// rendered as idle/failed). internal/worker does not call
	// RecordWorkflowOutcome.
	WorkflowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aduagent_workflows_processed_total",
		Help: "Total update workflows processed by the update worker, by outcome.",
	}, []string{"outcome"})

	// TickDuration observes how long one main-loop tick takes, to watch
	// the 100ms tick budget spec section 5 names.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aduagent_tick_duration_seconds",
		Help:    "Duration of one main-loop tick (channel + operations + worker poll).",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)

// RecordStateTransition increments OperationStateTransitions for
// operation having reached state.
func RecordStateTransition(operation, state string) {
	OperationStateTransitions.WithLabelValues(operation, state).Inc()
}

// RecordRetry increments RetryScheduled for operation under category.
func RecordRetry(operation, category string) {
	RetryScheduled.WithLabelValues(operation, category).Inc()
}

// RecordDisconnect increments ChannelDisconnects for category.
func RecordDisconnect(category string) {
	ChannelDisconnects.WithLabelValues(category).Inc()
}

// RecordWorkflowOutcome increments WorkflowsProcessed for outcome.
func RecordWorkflowOutcome(outcome string) {
	WorkflowsProcessed.WithLabelValues(outcome).Inc()
}
