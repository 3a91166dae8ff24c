package operations

import (
	"context"
	"testing"
	"time"

	"github.com/contoso/adu-agent/internal/handler"
	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/wire"
	"github.com/contoso/adu-agent/internal/workqueue"
	"github.com/contoso/adu-agent/internal/worker"
)

func TestUpdateRequestDoWorkGatedByAgentInfo(t *testing.T) {
	deps, _, _ := newTestDeps()
	u := NewUpdateRequest(deps, nil)

	retry.NewEngine().Tick(nil, u.Context(), time.Now())

	data := u.Context().Data.(*UpdateRequestData)
	if data.phase != udReady {
		t.Fatalf("expected no publish attempt while not agent-info-reported, phase = %v", data.phase)
	}
}

func TestUpdateRequestOnResponseEmptyPayloadIdleWait(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetAgentInfoReported(true)
	u := NewUpdateRequest(deps, nil)
	data := u.Context().Data.(*UpdateRequestData)
	data.phase = udAwaitingResponse
	data.correlationID = []byte("cid-1")

	u.onResponse([]byte(`{}`), wire.UserProperties{{Key: wire.PropResultCode, Value: "0"}}, []byte("cid-1"))

	if data.phase != udReady {
		t.Fatalf("phase = %v, want Ready", data.phase)
	}
	if !u.Context().NextExecutionTime.After(time.Now()) {
		t.Fatal("expected idle wait to push NextExecutionTime into the future")
	}
}

func TestUpdateRequestOnResponseNonEmptyPushesQueue(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetAgentInfoReported(true)
	q := workqueue.New()
	store.SetUpdateWorkQueue(q)
	u := NewUpdateRequest(deps, nil)
	data := u.Context().Data.(*UpdateRequestData)
	data.phase = udAwaitingResponse
	data.correlationID = []byte("cid-1")

	payload := []byte(`{"workflowId":"wf-1","updateManifestVersion":5}`)
	u.onResponse(payload, wire.UserProperties{{Key: wire.PropResultCode, Value: "0"}}, []byte("cid-1"))

	if data.phase != udProcessing {
		t.Fatalf("phase = %v, want Processing", data.phase)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestUpdateRequestOnResponseBadRequestFiveMinuteWait(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetAgentInfoReported(true)
	u := NewUpdateRequest(deps, nil)
	data := u.Context().Data.(*UpdateRequestData)
	data.phase = udAwaitingResponse
	data.correlationID = []byte("cid-1")

	u.onResponse(nil, wire.UserProperties{{Key: wire.PropResultCode, Value: "1"}}, []byte("cid-1"))

	if data.phase != udReady {
		t.Fatalf("phase = %v, want Ready", data.phase)
	}
	wantAfter := time.Now().Add(4 * time.Minute)
	if !u.Context().NextExecutionTime.After(wantAfter) {
		t.Fatal("expected ~5 minute idle wait after BadRequest")
	}
}

func TestUpdateRequestOnResponseAgentNotEnrolledClearsFlags(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	store.SetAgentInfoReported(true)
	u := NewUpdateRequest(deps, nil)
	data := u.Context().Data.(*UpdateRequestData)
	data.phase = udAwaitingResponse
	data.correlationID = []byte("cid-1")

	u.onResponse(nil, wire.UserProperties{{Key: wire.PropResultCode, Value: "5"}}, []byte("cid-1"))

	if store.IsDeviceEnrolled() || store.IsAgentInfoReported() {
		t.Fatal("expected both gating flags cleared")
	}
}

func TestUpdateRequestOnChangeNotifyResetsAndRearms(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetAgentInfoReported(true)
	u := NewUpdateRequest(deps, nil)
	u.Context().State = retry.Completed

	u.onChangeNotify(nil, nil, nil)

	data := u.Context().Data.(*UpdateRequestData)
	if data.phase != udReady {
		t.Fatalf("phase = %v, want Ready", data.phase)
	}
	if u.Context().State != retry.Idle {
		t.Fatalf("state = %v, want Idle after rearm", u.Context().State)
	}
}

func TestUpdateRequestPollWorkerReportTakesReportAndIdles(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetAgentInfoReported(true)

	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	w := worker.New(q, registry, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Push(workqueue.Item{Payload: []byte(`{"workflowId":"wf-9","updateManifestVersion":5}`)})

	u := NewUpdateRequest(deps, w)
	data := u.Context().Data.(*UpdateRequestData)
	data.phase = udProcessing

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		u.pollWorkerReport(context.Background(), data, time.Now())
		if data.phase == udReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if data.phase != udReady {
		t.Fatal("expected phase to return to Ready once the worker produced a report")
	}
	if !u.Context().NextExecutionTime.After(time.Now()) {
		t.Fatal("expected idle wait to push NextExecutionTime into the future")
	}
}
