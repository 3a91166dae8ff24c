package statestore

import (
	"testing"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/workqueue"
)

func TestAccessorsAreTotal(t *testing.T) {
	s := New()
	if s.IsDeviceEnrolled() {
		t.Fatal("expected false for unset enrolled flag")
	}
	if s.IsAgentInfoReported() {
		t.Fatal("expected false for unset agent-info flag")
	}
	if s.ExternalDeviceID() != "" {
		t.Fatal("expected empty external device id")
	}
	if s.UpdateWorkQueue() != nil {
		t.Fatal("expected nil work queue")
	}
	if s.UpdateOperationContext() != nil {
		t.Fatal("expected nil operation context")
	}
}

func TestSettersAreIdempotent(t *testing.T) {
	s := New()
	s.SetDeviceEnrolled(true)
	s.SetDeviceEnrolled(true)
	if !s.IsDeviceEnrolled() {
		t.Fatal("expected enrolled")
	}
}

func TestClearGatingFlagsClearsBoth(t *testing.T) {
	s := New()
	s.SetDeviceEnrolled(true)
	s.SetAgentInfoReported(true)

	s.ClearGatingFlags()

	if s.IsDeviceEnrolled() || s.IsAgentInfoReported() {
		t.Fatal("expected both gating flags cleared")
	}
}

func TestUpdateWorkQueueRoundTrip(t *testing.T) {
	s := New()
	q := workqueue.New()
	s.SetUpdateWorkQueue(q)
	if s.UpdateWorkQueue() != q {
		t.Fatal("expected the same queue handle back")
	}
}

func TestUpdateOperationContextWeakReference(t *testing.T) {
	s := New()
	c := &retry.Context{OperationName: "upd_req"}
	s.SetUpdateOperationContext(c)

	got := s.UpdateOperationContext()
	if got == nil || got.OperationName != "upd_req" {
		t.Fatalf("expected to resolve the context, got %v", got)
	}
}
