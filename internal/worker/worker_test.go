package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/contoso/adu-agent/internal/handler"
	"github.com/contoso/adu-agent/internal/persist"
	"github.com/contoso/adu-agent/internal/workqueue"
)

func newTestStore(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessOneNotInstalledRunsFullPipeline(t *testing.T) {
	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	store := newTestStore(t)
	w := New(q, registry, store, nil, nil)

	q.Push(workqueue.Item{Payload: []byte(`{"workflowId":"wf-1","updateManifestVersion":5}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok := q.GetNextWork(ctx)
	if !ok {
		t.Fatal("expected an item")
	}
	w.processOne(context.Background(), item)

	report := w.TakePendingReport()
	if report == nil {
		t.Fatal("expected a pending report")
	}
	if report.State != StateIdle {
		t.Fatalf("state = %d, want StateIdle", report.State)
	}
	if report.LastInstallResult.ResultCode != handler.Success {
		t.Fatalf("result code = %v, want Success", report.LastInstallResult.ResultCode)
	}

	id, err := store.LastCompletedWorkflowID()
	if err != nil || id != "wf-1" {
		t.Fatalf("LastCompletedWorkflowID = %q, %v, want wf-1", id, err)
	}
}

func TestProcessOneDuplicateWorkflowIgnored(t *testing.T) {
	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	store := newTestStore(t)
	store.SetLastCompletedWorkflowID("wf-dup")
	w := New(q, registry, store, nil, nil)

	w.processOne(context.Background(), workqueue.Item{Payload: []byte(`{"workflowId":"wf-dup","updateManifestVersion":5}`)})

	if report := w.TakePendingReport(); report != nil {
		t.Fatalf("expected no report for duplicate workflow, got %+v", report)
	}
}

func TestProcessOneUnsupportedManifestVersion(t *testing.T) {
	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	store := newTestStore(t)
	w := New(q, registry, store, nil, nil)

	w.processOne(context.Background(), workqueue.Item{Payload: []byte(`{"workflowId":"wf-2","updateManifestVersion":3}`)})

	report := w.TakePendingReport()
	if report == nil {
		t.Fatal("expected a report")
	}
	if report.LastInstallResult.ResultCode != handler.UnsupportedUpdateManifestVersion {
		t.Fatalf("result code = %v, want UnsupportedUpdateManifestVersion", report.LastInstallResult.ResultCode)
	}
}

func TestProcessOneMalformedPayload(t *testing.T) {
	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	w := New(q, registry, nil, nil, nil)

	w.processOne(context.Background(), workqueue.Item{Payload: []byte(`not json`)})

	report := w.TakePendingReport()
	if report == nil || report.State != StateFailed {
		t.Fatalf("expected a failed report, got %+v", report)
	}
}

func TestCancelFlagRoundTrip(t *testing.T) {
	q := workqueue.New()
	registry := handler.NewRegistry(handler.NoopHandler{})
	w := New(q, registry, nil, nil, nil)

	if w.CancelRequested() {
		t.Fatal("expected cancel flag to start false")
	}
	w.RequestCancel()
	if !w.CancelRequested() {
		t.Fatal("expected cancel flag to be set")
	}
	w.ClearCancel()
	if w.CancelRequested() {
		t.Fatal("expected cancel flag to clear")
	}
}

func TestMarshalReport(t *testing.T) {
	r := &Report{State: StateIdle, WorkflowID: "wf-1"}
	b, err := MarshalReport(r)
	if err != nil {
		t.Fatalf("MarshalReport: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
