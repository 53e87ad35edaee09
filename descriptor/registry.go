package descriptor

import (
	"sync"
	"time"

	"github.com/opd-ai/meshcore/internal/clock"
)

// EndpointRegistry maps a transport endpoint to the PeerId that was last
// observed using it: populated opportunistically from accepted inbound
// connections with a verified envelope, and from descriptors fetched by
// PeerId. Reverse lookup is advisory only — a miss must fall back to a
// descriptor fetch keyed by the signed HELLO payload, which the caller
// (envelope/transport layer) is responsible for doing when Lookup returns
// ok=false.
type EndpointRegistry struct {
	mu      sync.RWMutex
	entries map[string]regEntry
	maxAge  time.Duration
	clock   clock.Provider
}

type regEntry struct {
	peerId string
	seenAt time.Time
}

// NewEndpointRegistry builds a registry whose entries expire after maxAge.
func NewEndpointRegistry(maxAge time.Duration, cp clock.Provider) *EndpointRegistry {
	return &EndpointRegistry{
		entries: make(map[string]regEntry),
		maxAge:  maxAge,
		clock:   clock.Or(cp),
	}
}

// Observe records that endpoint was last seen to belong to peerId.
func (r *EndpointRegistry) Observe(endpoint, peerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[endpoint] = regEntry{peerId: peerId, seenAt: r.clock.Now()}
}

// Lookup returns the PeerId last observed at endpoint, if the entry hasn't
// expired.
func (r *EndpointRegistry) Lookup(endpoint string) (peerId string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.entries[endpoint]
	if !found {
		return "", false
	}
	if r.clock.Since(e.seenAt) > r.maxAge {
		return "", false
	}
	return e.peerId, true
}

// Forget removes any entry recorded for endpoint, e.g. on connection
// teardown with a verification failure.
func (r *EndpointRegistry) Forget(endpoint string) {
	r.mu.Lock()
	delete(r.entries, endpoint)
	r.mu.Unlock()
}

// Sweep evicts all expired entries; intended to be called periodically by
// a janitor goroutine.
func (r *EndpointRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, e := range r.entries {
		if r.clock.Since(e.seenAt) > r.maxAge {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}
