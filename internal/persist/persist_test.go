package persist

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingKeyReturnsEmpty(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Get(NamespaceDevice, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "" {
		t.Errorf("v = %q, want empty", v)
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set(NamespaceDevice, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(NamespaceDevice, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "v1" {
		t.Errorf("v = %q, want v1", v)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)
	s.Set(NamespaceDevice, "k", "v1")
	s.Set(NamespaceDevice, "k", "v2")
	v, _ := s.Get(NamespaceDevice, "k")
	if v != "v2" {
		t.Errorf("v = %q, want v2", v)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	s.Set(NamespaceDevice, "k", "v1")
	if err := s.Delete(NamespaceDevice, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, _ := s.Get(NamespaceDevice, "k")
	if v != "" {
		t.Errorf("v = %q, want empty after delete", v)
	}
}

func TestExternalDeviceIDRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if id, err := s.ExternalDeviceID(); err != nil || id != "" {
		t.Fatalf("expected empty initial device id, got %q err %v", id, err)
	}
	if err := s.SetExternalDeviceID("dev-1"); err != nil {
		t.Fatalf("SetExternalDeviceID: %v", err)
	}
	id, err := s.ExternalDeviceID()
	if err != nil || id != "dev-1" {
		t.Fatalf("ExternalDeviceID = %q, %v, want dev-1", id, err)
	}
}

func TestRebootPendingDefaultsFalse(t *testing.T) {
	s := openTestStore(t)
	pending, err := s.RebootPending()
	if err != nil {
		t.Fatalf("RebootPending: %v", err)
	}
	if pending {
		t.Fatal("expected reboot pending to default false")
	}
}

func TestRebootPendingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetRebootPending(true); err != nil {
		t.Fatalf("SetRebootPending: %v", err)
	}
	pending, err := s.RebootPending()
	if err != nil || !pending {
		t.Fatalf("RebootPending = %v, %v, want true", pending, err)
	}
}

func TestLastCompletedWorkflowIDRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetLastCompletedWorkflowID("wf-42"); err != nil {
		t.Fatalf("SetLastCompletedWorkflowID: %v", err)
	}
	id, err := s.LastCompletedWorkflowID()
	if err != nil || id != "wf-42" {
		t.Fatalf("LastCompletedWorkflowID = %q, %v, want wf-42", id, err)
	}
}
