package operations

import (
	"testing"
	"time"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/wire"
)

func TestAgentInfoDoWorkGatedByEnrollment(t *testing.T) {
	deps, _, _ := newTestDeps()
	a := NewAgentInfo(deps, DeviceProperties{Manufacturer: "Contoso", Model: "X1"})

	retry.NewEngine().Tick(nil, a.Context(), time.Now())

	data := a.Context().Data.(*AgentInfoData)
	if data.phase != agentInfoReady {
		t.Fatalf("expected no publish attempt while not enrolled, phase = %v", data.phase)
	}
}

func TestAgentInfoDoWorkCompletesWhenAlreadyReported(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	store.SetAgentInfoReported(true)
	a := NewAgentInfo(deps, DeviceProperties{})

	retry.NewEngine().Tick(nil, a.Context(), time.Now())

	if a.Context().State != retry.Completed {
		t.Fatalf("state = %v, want Completed", a.Context().State)
	}
}

func TestAgentInfoOnResponseSuccess(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	a := NewAgentInfo(deps, DeviceProperties{})
	data := a.Context().Data.(*AgentInfoData)
	data.phase = agentInfoAwaitingResponse
	data.correlationID = []byte("cid-1")

	a.onResponse(nil, wire.UserProperties{{Key: wire.PropResultCode, Value: "0"}}, []byte("cid-1"))

	if !store.IsAgentInfoReported() {
		t.Fatal("expected isAgentInfoReported to be set")
	}
	if a.Context().State != retry.Completed {
		t.Fatalf("state = %v, want Completed", a.Context().State)
	}
}

func TestAgentInfoOnResponseAgentNotEnrolledClearsBothFlags(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	a := NewAgentInfo(deps, DeviceProperties{})
	data := a.Context().Data.(*AgentInfoData)
	data.phase = agentInfoAwaitingResponse
	data.correlationID = []byte("cid-1")

	a.onResponse(nil, wire.UserProperties{{Key: wire.PropResultCode, Value: "5"}}, []byte("cid-1"))

	if store.IsDeviceEnrolled() || store.IsAgentInfoReported() {
		t.Fatal("expected both gating flags cleared")
	}
}

func TestAgentInfoOnResponseCorrelationMismatchIgnored(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	a := NewAgentInfo(deps, DeviceProperties{})
	data := a.Context().Data.(*AgentInfoData)
	data.phase = agentInfoAwaitingResponse
	data.correlationID = []byte("cid-1")

	a.onResponse(nil, wire.UserProperties{{Key: wire.PropResultCode, Value: "0"}}, []byte("cid-2"))

	if store.IsAgentInfoReported() {
		t.Fatal("expected stale response dropped")
	}
}
