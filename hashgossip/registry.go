package hashgossip

import "sync"

// stateRegistry lazily creates and holds one PeerState per peer, guarded
// by a single mutex — the fine-grained per-peer locking itself happens
// inside PeerState, so the map lock is never held across peer work.
type stateRegistry struct {
	mu     sync.Mutex
	limits Limits
	byPeer map[string]*PeerState
}

func newStateRegistry(limits Limits) *stateRegistry {
	return &stateRegistry{limits: limits, byPeer: make(map[string]*PeerState)}
}

func (r *stateRegistry) get(peerId string) *PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.byPeer[peerId]
	if !ok {
		ps = NewPeerState(peerId, r.limits, nil)
		r.byPeer[peerId] = ps
	}
	return ps
}

func (r *stateRegistry) quarantinedCount() int {
	r.mu.Lock()
	states := make([]*PeerState, 0, len(r.byPeer))
	for _, ps := range r.byPeer {
		states = append(states, ps)
	}
	r.mu.Unlock()

	n := 0
	for _, ps := range states {
		if ps.Quarantined() {
			n++
		}
	}
	return n
}
