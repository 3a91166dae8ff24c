// Package router implements the Message Router (spec section 4.4,
// component C4): it reads the `mt` user property off an inbound MQTT
// publish, validates the protocol id, and dispatches to the matching
// topic module's registered handler. Correlation data is not checked
// here; each handler checks it with MatchesCorrelation.
package router

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/contoso/adu-agent/internal/wire"
)

// Handler processes one inbound message for a topic module. props is the
// full MQTT user-property list (already parsed); correlationData is the
// raw MQTT Correlation Data property.
type Handler func(payload []byte, props wire.UserProperties, correlationData []byte)

// Router dispatches inbound messages by message type to a static handler
// table (spec 4.4: "enr_resp, enr_cn, ainfo_resp, upd_cn, upd_resp").
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates an empty Router. Register handlers with RegisterHandler
// before routing any messages.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a message type to its handler. Intended to be
// called once per message type at startup by each topic module.
func (r *Router) RegisterHandler(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = h
}

// Route implements spec 4.4's dispatch algorithm: extract mt, validate
// pid, look up the handler, and invoke it. Any validation failure is
// dropped and logged, never returned as an error — there is no caller
// that could usefully react to a malformed inbound message.
func (r *Router) Route(payload []byte, props wire.UserProperties, correlationData []byte) {
	mt, ok := props.Get(wire.PropMessageType)
	if !ok || mt == "" {
		r.logger.Warn("router: dropping message with missing or empty mt")
		return
	}

	pid, ok := props.Get(wire.PropProtocolID)
	if !ok || pid != wire.ProtocolID {
		r.logger.Warn("router: dropping message with unexpected pid", "mt", mt, "pid", pid)
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[mt]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("router: no handler registered for message type", "mt", mt)
		return
	}

	h(payload, props, correlationData)
}

// MatchesCorrelation implements spec 4.4's correlation-matching rule: an
// active correlation id of length zero means "no request in flight", so
// any response is dropped; otherwise the MQTT Correlation Data property
// must match byte-for-byte.
func MatchesCorrelation(active, received []byte) bool {
	if len(active) == 0 {
		return false
	}
	return bytes.Equal(active, received)
}
