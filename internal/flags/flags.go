// Package flags gates every V2 subsystem behind an individually
// togglable feature flag. All subsystems default to off; a disabled
// subsystem's public operations return feature_disabled and emit a
// single diagnostic on first call.
package flags

import "sync"

// Subsystem names.
const (
	FederationIdentity = "federation_identity"
	ObservationIngest  = "observation_ingest"
	BeliefAggregation  = "belief_aggregation"
	ConflictDetection  = "conflict_detection"
	Arbitration        = "arbitration"
	Containment        = "identity_containment"
)

// All lists every gated subsystem.
var All = []string{
	FederationIdentity,
	ObservationIngest,
	BeliefAggregation,
	ConflictDetection,
	Arbitration,
	Containment,
}

// Registry is the injected feature-flag surface.
type Registry struct {
	mu         sync.RWMutex
	enabled    map[string]bool
	diagnosed  map[string]bool
}

// NewRegistry creates a registry with every subsystem off.
func NewRegistry() *Registry {
	return &Registry{
		enabled:   make(map[string]bool),
		diagnosed: make(map[string]bool),
	}
}

// Enable turns a subsystem on.
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = true
	delete(r.diagnosed, name)
}

// Disable turns a subsystem off.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// Enabled reports whether a subsystem is on.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// FirstDisabledCall reports true exactly once per disabled window, so
// callers can emit the single diagnostic the contract allows.
func (r *Registry) FirstDisabledCall(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled[name] || r.diagnosed[name] {
		return false
	}
	r.diagnosed[name] = true
	return true
}

// Snapshot returns the current flag states.
func (r *Registry) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(All))
	for _, name := range All {
		out[name] = r.enabled[name]
	}
	return out
}
