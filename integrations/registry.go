// Package integrations tracks the status of external systems the agent
// drives, such as the calendar and booking backends.
package integrations

import (
	"slices"
	"sync"

	"go.aimuz.me/voicelink/internal/types"
)

// Processing flags mirrored into the matching integration's Active field.
const (
	FlagCalendar = "calendar"
	FlagBooking  = "booking"
)

// Registry is a keyed collection of integration statuses. Lookups are by
// key; positions are not stable across calls.
type Registry struct {
	mu         sync.Mutex
	items      []types.IntegrationStatus
	processing map[string]bool

	hookMu   sync.RWMutex
	onChange func([]types.IntegrationStatus)
}

// NewRegistry creates a registry seeded with items.
func NewRegistry(items []types.IntegrationStatus) *Registry {
	return &Registry{
		items:      slices.Clone(items),
		processing: make(map[string]bool),
	}
}

// OnChange registers a hook receiving a snapshot after every mutation.
func (r *Registry) OnChange(fn func([]types.IntegrationStatus)) {
	r.hookMu.Lock()
	r.onChange = fn
	r.hookMu.Unlock()
}

// Find returns the status registered under key.
func (r *Registry) Find(key string) (types.IntegrationStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(key)
	if i < 0 {
		return types.IntegrationStatus{}, false
	}
	return r.items[i], true
}

// Update replaces the status with the same key. It reports false, changing
// nothing, if the key is unknown.
func (r *Registry) Update(status types.IntegrationStatus) bool {
	r.mu.Lock()
	i := r.indexLocked(status.Key)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.items[i] = status
	snap := slices.Clone(r.items)
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// List returns a snapshot of all statuses.
func (r *Registry) List() []types.IntegrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

// SetProcessing sets a processing flag and re-derives Active for the
// integration of the same key.
func (r *Registry) SetProcessing(flag string, on bool) {
	r.mu.Lock()
	r.processing[flag] = on
	r.deriveLocked()
	snap := slices.Clone(r.items)
	r.mu.Unlock()

	r.notify(snap)
}

// Processing reports the current value of a processing flag.
func (r *Registry) Processing(flag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing[flag]
}

func (r *Registry) deriveLocked() {
	for flag, on := range r.processing {
		if i := r.indexLocked(flag); i >= 0 {
			r.items[i].Active = on
		}
	}
}

func (r *Registry) indexLocked(key string) int {
	return slices.IndexFunc(r.items, func(s types.IntegrationStatus) bool {
		return s.Key == key
	})
}

func (r *Registry) notify(snap []types.IntegrationStatus) {
	r.hookMu.RLock()
	fn := r.onChange
	r.hookMu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}
