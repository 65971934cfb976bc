// Package resource implements the CoAP resource registry (spec.md §4.5),
// adapted directly from the endpoint's original resource_manager.py: a
// process-wide registry mapping a Uri-Path to the handler responsible for
// it, plus an optional default resource for unmatched paths.
package resource

import (
	"sync"

	"github.com/coapcore/coapd/packet"
)

// Resource handles CoAP requests for one Uri-Path. Method handlers return
// the outgoing response code and payload; a handler that does not support
// a method should return (packet.NewCode(4, 5), nil), i.e. 4.05 Method Not
// Allowed.
type Resource interface {
	Name() string

	HandleGET(req *packet.Packet) (packet.Code, []byte)
	HandlePOST(req *packet.Packet) (packet.Code, []byte)
	HandlePUT(req *packet.Packet) (packet.Code, []byte)
	HandleDELETE(req *packet.Packet) (packet.Code, []byte)
	HandleFETCH(req *packet.Packet) (packet.Code, []byte)
}

// Dispatch routes req to the method handler matching req.Code.
func Dispatch(r Resource, req *packet.Packet) (packet.Code, []byte) {
	switch req.Code {
	case packet.GET:
		return r.HandleGET(req)
	case packet.POST:
		return r.HandlePOST(req)
	case packet.PUT:
		return r.HandlePUT(req)
	case packet.DELETE:
		return r.HandleDELETE(req)
	case packet.FETCH:
		return r.HandleFETCH(req)
	default:
		return packet.NewCode(4, 5), nil // Method Not Allowed
	}
}

// Manager is the process-wide resource registry (spec.md §4.5): one
// instance constructed at startup and wired into the dispatcher, not a
// package-level singleton (spec.md §9).
type Manager struct {
	mu        sync.RWMutex
	resources map[string]Resource
	def       Resource
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{resources: make(map[string]Resource)}
}

// AddResource registers r under its own Name().
func (m *Manager) AddResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.Name()] = r
}

// AddDefaultResource registers r as the fallback for unmatched paths.
func (m *Manager) AddDefaultResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.def = r
}

// Resolve returns the resource registered for name, falling back to the
// default resource, or (nil, false) if neither exists.
func (m *Manager) Resolve(name string) (Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.resources[name]; ok {
		return r, true
	}
	if m.def != nil {
		return m.def, true
	}
	return nil, false
}
