package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	RecordStateTransition("enr_req", "Completed")
	RecordRetry("upd_req", "ServiceTransient")
	RecordDisconnect("Transient")
	RecordWorkflowOutcome("idle")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	expected := map[string]bool{
		"aduagent_operation_state_transitions_total": false,
		"aduagent_operation_retries_total":           false,
		"aduagent_channel_state":                     false,
		"aduagent_channel_disconnects_total":         false,
		"aduagent_workqueue_depth":                   false,
		"aduagent_workflows_processed_total":         false,
		"aduagent_tick_duration_seconds":             false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestGaugeSetters(t *testing.T) {
	ChannelState.Set(2)
	WorkQueueDepth.Set(3)
}

func TestTickDurationObserve(t *testing.T) {
	timer := prometheus.NewTimer(TickDuration)
	timer.ObserveDuration()
}
