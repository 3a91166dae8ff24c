// Package statestore implements the process-wide State Store (spec section
// 4.1, component C1): a typed key/value holder gating enrollment,
// agent-info, and update-request transitions. Every accessor is total (a
// missing slot returns a well-defined zero value), writes are serialized
// under a single mutex, and the store never blocks — there is no I/O here,
// unlike the durable internal/persist store the teacher's internal/opstate
// package inspired.
package statestore

import (
	"sync"
	"weak"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/workqueue"
)

// Store holds the cross-component flags and handles described in spec
// section 4.1. The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	isDeviceEnrolled    bool
	isAgentInfoReported bool
	externalDeviceID    string
	serviceInstance     string
	updateWorkQueue     *workqueue.Queue

	// updateOperationContext is a weak back-reference to the UpdateRequest
	// operation's Context, per spec section 9's design note: "the state
	// store stores a reference to the update operation's context and vice
	// versa. Break the cycle by making the state store own only a
	// weak/back reference — lookups, never ownership." Ownership of the
	// Context stays with internal/operations; this is a lookup-only handle
	// that does not keep the Context alive past its owner's lifetime.
	updateOperationContext weak.Pointer[retry.Context]
}

// New creates an empty State Store.
func New() *Store {
	return &Store{}
}

// IsDeviceEnrolled reports the enrollment gating flag (spec 4.5.2, 4.5.3:
// "Gated by isDeviceEnrolled").
func (s *Store) IsDeviceEnrolled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDeviceEnrolled
}

// SetDeviceEnrolled is idempotent and observable by every component on its
// next tick (spec 4.1).
func (s *Store) SetDeviceEnrolled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDeviceEnrolled = v
}

// IsAgentInfoReported reports the agent-info gating flag.
func (s *Store) IsAgentInfoReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAgentInfoReported
}

// SetAgentInfoReported is idempotent.
func (s *Store) SetAgentInfoReported(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAgentInfoReported = v
}

// ClearGatingFlags drops both isDeviceEnrolled and isAgentInfoReported in
// a single locked section, so both flip on the same tick (spec 8, testable
// property 2: "If isDeviceEnrolled flips from true to false mid-run ...
// both flags become false on the same tick").
func (s *Store) ClearGatingFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDeviceEnrolled = false
	s.isAgentInfoReported = false
}

// ExternalDeviceID returns the configured device identifier. Empty string
// if unset.
func (s *Store) ExternalDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalDeviceID
}

// SetExternalDeviceID records the device identifier used to derive MQTT
// topics (spec section 2, "ChannelState... two topic strings... derived
// from the device id").
func (s *Store) SetExternalDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalDeviceID = id
}

// ServiceInstance returns the service-issued device update service
// instance id (the "<du_instance>" substituted into the scoped subscribe
// topic template, spec section 6).
func (s *Store) ServiceInstance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceInstance
}

// SetServiceInstance records the service instance id, typically the
// scopeId returned by a successful enrollment response (spec 4.5.1).
func (s *Store) SetServiceInstance(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceInstance = instance
}

// UpdateWorkQueue returns the active deployment work queue handle, or nil
// if SetUpdateWorkQueue has not been called.
func (s *Store) UpdateWorkQueue() *workqueue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateWorkQueue
}

// SetUpdateWorkQueue publishes the work queue handle so the update worker
// (internal/worker) can find it (spec 4.5.3: "the work queue handle is
// also published to the state store so the worker can find it").
func (s *Store) SetUpdateWorkQueue(q *workqueue.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateWorkQueue = q
}

// SetUpdateOperationContext publishes a non-owning handle to the
// UpdateRequest operation's Context. Only internal/operations should call
// this, once, at startup.
func (s *Store) SetUpdateOperationContext(c *retry.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateOperationContext = weak.Make(c)
}

// UpdateOperationContext resolves the weak back-reference to the
// UpdateRequest operation's Context. Returns nil if the owner has since
// released it (or none was ever published) — callers must treat nil as
// "nothing to look up", never dereference without a check.
func (s *Store) UpdateOperationContext() *retry.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOperationContext.Value()
}
