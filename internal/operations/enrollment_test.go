package operations

import (
	"testing"
	"time"

	"github.com/contoso/adu-agent/internal/channel"
	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/statestore"
	"github.com/contoso/adu-agent/internal/wire"
)

func newTestDeps() (Dependencies, *statestore.Store, *router.Router) {
	store := statestore.New()
	r := router.New(nil)
	ch := channel.New(channel.ConnectionSettings{Host: "broker.example", Port: 8883}, "device-1", channel.Hooks{}, nil)
	return Dependencies{
		Channel:               ch,
		Router:                r,
		Store:                 store,
		RetryParams:           nil,
		OperationIntervalSecs: 30,
		OperationTimeoutSecs:  180,
	}, store, r
}

func TestEnrollmentDoWorkCompletesWhenAlreadyEnrolled(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	e := NewEnrollment(deps)

	retry.NewEngine().Tick(nil, e.Context(), time.Now())

	if e.Context().State != retry.Completed {
		t.Fatalf("state = %v, want Completed", e.Context().State)
	}
}

func TestEnrollmentDoWorkNoOpWhenChannelNotConnected(t *testing.T) {
	deps, _, _ := newTestDeps()
	e := NewEnrollment(deps)

	retry.NewEngine().Tick(nil, e.Context(), time.Now())

	data := e.Context().Data.(*EnrollmentData)
	if data.phase != enrollReady {
		t.Fatalf("expected phase to stay Ready with no connection, got %v", data.phase)
	}
	if e.Context().State == retry.Completed || e.Context().State == retry.Failure {
		t.Fatalf("unexpected terminal state %v", e.Context().State)
	}
}

func TestEnrollmentOnResponseSuccess(t *testing.T) {
	deps, store, _ := newTestDeps()
	e := NewEnrollment(deps)
	data := e.Context().Data.(*EnrollmentData)
	data.phase = enrollAwaitingResponse
	data.correlationID = []byte("cid-1")

	props := wire.UserProperties{
		{Key: wire.PropMessageType, Value: wire.MTEnrollResponse},
		{Key: wire.PropResultCode, Value: "0"},
	}
	e.onResponse([]byte(`{"isEnrolled":true,"scopeId":"scope-123"}`), props, []byte("cid-1"))

	if !store.IsDeviceEnrolled() {
		t.Fatal("expected isDeviceEnrolled to be set")
	}
	if store.ServiceInstance() != "scope-123" {
		t.Fatalf("ServiceInstance = %q, want scope-123", store.ServiceInstance())
	}
	if e.Context().State != retry.Completed {
		t.Fatalf("state = %v, want Completed", e.Context().State)
	}
}

func TestEnrollmentOnResponseCorrelationMismatchIgnored(t *testing.T) {
	deps, store, _ := newTestDeps()
	e := NewEnrollment(deps)
	data := e.Context().Data.(*EnrollmentData)
	data.phase = enrollAwaitingResponse
	data.correlationID = []byte("cid-1")

	e.onResponse([]byte(`{"isEnrolled":true}`), wire.UserProperties{{Key: wire.PropResultCode, Value: "0"}}, []byte("cid-2"))

	if store.IsDeviceEnrolled() {
		t.Fatal("expected stale response to be dropped")
	}
	if data.phase != enrollAwaitingResponse {
		t.Fatal("expected phase unchanged on correlation mismatch")
	}
}

func TestEnrollmentOnResponseAgentNotEnrolled(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	e := NewEnrollment(deps)
	data := e.Context().Data.(*EnrollmentData)
	data.phase = enrollAwaitingResponse
	data.correlationID = []byte("cid-1")

	props := wire.UserProperties{{Key: wire.PropResultCode, Value: "5"}}
	e.onResponse([]byte(`{}`), props, []byte("cid-1"))

	if store.IsDeviceEnrolled() {
		t.Fatal("expected isDeviceEnrolled cleared")
	}
	if e.Context().State != retry.FailureRetriable {
		t.Fatalf("state = %v, want FailureRetriable", e.Context().State)
	}
}

func TestEnrollmentOnChangeNotifyResetsAndRearms(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	e := NewEnrollment(deps)
	e.Context().State = retry.Completed

	e.onChangeNotify(nil, nil, nil)

	if store.IsDeviceEnrolled() {
		t.Fatal("expected isDeviceEnrolled cleared by change notify")
	}
	if e.Context().State != retry.Idle {
		t.Fatalf("state = %v, want Idle after rearm", e.Context().State)
	}
}

func TestEnrollmentEnsureArmedRearmsClearedFlag(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	e := NewEnrollment(deps)
	e.Context().State = retry.Completed

	store.SetDeviceEnrolled(false)
	e.EnsureArmed(time.Now())

	if e.Context().State != retry.Idle {
		t.Fatalf("state = %v, want Idle after EnsureArmed", e.Context().State)
	}
}

func TestEnrollmentEnsureArmedNoOpWhenStillEnrolled(t *testing.T) {
	deps, store, _ := newTestDeps()
	store.SetDeviceEnrolled(true)
	e := NewEnrollment(deps)
	e.Context().State = retry.Completed

	e.EnsureArmed(time.Now())

	if e.Context().State != retry.Completed {
		t.Fatalf("state = %v, want Completed unchanged", e.Context().State)
	}
}
