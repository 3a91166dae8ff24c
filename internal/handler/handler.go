// Package handler defines the content-handler contract the update
// worker (internal/worker) drives over a parsed workflow: IsInstalled,
// Download, Install, Apply. Content-handler plugin bodies (the actual
// download/install/apply logic for a given update-manifest type) are
// out of scope (spec section 1, "Deliberately OUT of scope... content-
// handler plugin code"); this package is the contract and the
// lookup-by-manifest-type table plus a generic fallback stub.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/contoso/adu-agent/internal/workflow"
)

// ResultCode mirrors the wire.ResultCode space for handler outcomes,
// kept distinct from internal/wire.ResultCode because a handler step's
// result is reported nested under stepResults, not as the MQTT envelope
// resultcode.
type ResultCode int

const (
	Success ResultCode = iota
	Failure
	RebootRequired
	AgentRestartRequired
	UnsupportedUpdateManifestVersion
)

// StepResult is one entry of the reporting JSON's stepResults map (spec
// section 4.6, "Reporting JSON schema").
type StepResult struct {
	ResultCode         ResultCode
	ExtendedResultCode uint32
	ResultDetails      string
}

// Result is the outcome of a full IsInstalled→Download→Install→Apply
// pipeline run.
type Result struct {
	Code         ResultCode
	ExtCode      uint32
	Details      string
	StepResults  map[string]StepResult
	Installed    bool
}

// Handler is the content-handler contract (spec section 4.6, steps 6-7).
// Implementations must poll ctx for cancellation between steps — there
// is no synchronous cancel of a download in progress (spec section 5).
type Handler interface {
	// IsInstalled reports whether the workflow's target update is
	// already present, short-circuiting the rest of the pipeline.
	IsInstalled(ctx context.Context, wf *workflow.Handle) (bool, error)
	Download(ctx context.Context, wf *workflow.Handle) error
	Install(ctx context.Context, wf *workflow.Handle) error
	Apply(ctx context.Context, wf *workflow.Handle) error
}

// Registry looks up a Handler by its "microsoft/update-manifest:<version>"
// style key, falling back to a generic handler (spec section 4.6, step
// 5) when no specific handler is registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a Registry backed by fallback for any key with no
// specific handler registered.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register binds a handler key (e.g. "microsoft/update-manifest:5") to
// a Handler implementation.
func (r *Registry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Lookup resolves key to a Handler, or the registry's fallback if no
// specific entry exists. Returns an error only if neither a match nor a
// fallback is available.
func (r *Registry) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("handler: no handler registered for %q and no fallback configured", key)
}

// ManifestHandlerKey builds the lookup key spec section 4.6 step 5
// describes: "microsoft/update-manifest:<version>".
func ManifestHandlerKey(version int) string {
	return fmt.Sprintf("microsoft/update-manifest:%d", version)
}

// NoopHandler is the generic fallback handler: it reports nothing
// installed and completes every pipeline step as a no-op success. It
// exists so the worker has somewhere to route workflows that name no
// specific handler, matching the out-of-scope boundary around actual
// content-handler bodies.
type NoopHandler struct{}

func (NoopHandler) IsInstalled(ctx context.Context, wf *workflow.Handle) (bool, error) {
	return false, nil
}

func (NoopHandler) Download(ctx context.Context, wf *workflow.Handle) error { return nil }
func (NoopHandler) Install(ctx context.Context, wf *workflow.Handle) error  { return nil }
func (NoopHandler) Apply(ctx context.Context, wf *workflow.Handle) error    { return nil }
