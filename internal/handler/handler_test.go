package handler

import (
	"context"
	"testing"

	"github.com/contoso/adu-agent/internal/workflow"
)

func TestRegistryLookupSpecificHandler(t *testing.T) {
	specific := NoopHandler{}
	r := NewRegistry(nil)
	r.Register(ManifestHandlerKey(5), specific)

	h, err := r.Lookup(ManifestHandlerKey(5))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if h != Handler(specific) {
		t.Fatal("expected the registered handler back")
	}
}

func TestRegistryLookupFallsBackToGeneric(t *testing.T) {
	fallback := NoopHandler{}
	r := NewRegistry(fallback)

	h, err := r.Lookup(ManifestHandlerKey(99))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if h != Handler(fallback) {
		t.Fatal("expected the fallback handler")
	}
}

func TestRegistryLookupNoFallbackErrors(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Lookup(ManifestHandlerKey(1))
	if err == nil {
		t.Fatal("expected error with no match and no fallback")
	}
}

func TestManifestHandlerKeyFormat(t *testing.T) {
	if got := ManifestHandlerKey(5); got != "microsoft/update-manifest:5" {
		t.Errorf("ManifestHandlerKey(5) = %q", got)
	}
}

func TestNoopHandlerPipeline(t *testing.T) {
	h := NoopHandler{}
	ctx := context.Background()
	wf := &workflow.Handle{ID: "wf-1"}

	installed, err := h.IsInstalled(ctx, wf)
	if err != nil || installed {
		t.Fatalf("IsInstalled = %v, %v, want false, nil", installed, err)
	}
	if err := h.Download(ctx, wf); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := h.Install(ctx, wf); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := h.Apply(ctx, wf); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}
