// Package neighbor maintains the small set of "neighbor" peers a node
// prefers for gossip locality, modeled after small-world
// graphs: a sticky core of frequently-reliable peers supplemented by
// randomly rotating candidates, balancing propagation speed against
// fragmentation resistance.
package neighbor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/meshcore/internal/clock"
)

// Config bundles the small-world tuning parameters, all configurable with
// the documented defaults.
type Config struct {
	TargetNeighbors      int           // default 5
	PromotionThreshold   int           // default 3 successful interactions
	CandidateCap         int           // default 20
	NeighborIdleTimeout  time.Duration // default 24h
	NeighborSyncInterval time.Duration // default 30m
	RandomSyncInterval   time.Duration // default 2h
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TargetNeighbors:      5,
		PromotionThreshold:   3,
		CandidateCap:         20,
		NeighborIdleTimeout:  24 * time.Hour,
		NeighborSyncInterval: 30 * time.Minute,
		RandomSyncInterval:   2 * time.Hour,
	}
}

// Candidate is the per-peer success/failure bookkeeping used to score
// promotion and demotion.
type Candidate struct {
	PeerId              string
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	LastInteraction     time.Time
	LastSyncAt          time.Time
}

// Reliability returns a 0.0-1.0 score, mirroring
// dht.Node.GetReliability's success/total ratio.
func (c *Candidate) Reliability() float64 {
	total := c.SuccessCount + c.FailureCount
	if total == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(total)
}

// Manager maintains the neighbor set and candidate pool for one local
// node. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Provider

	neighbors  map[string]*Candidate
	candidates map[string]*Candidate
}

// NewManager builds a Manager. cp may be nil to use the real wall clock.
func NewManager(cfg Config, cp clock.Provider) *Manager {
	return &Manager{
		cfg:        cfg,
		clock:      clock.Or(cp),
		neighbors:  make(map[string]*Candidate),
		candidates: make(map[string]*Candidate),
	}
}

func (m *Manager) entry(peerId string) *Candidate {
	if c, ok := m.neighbors[peerId]; ok {
		return c
	}
	if c, ok := m.candidates[peerId]; ok {
		return c
	}
	c := &Candidate{PeerId: peerId}
	m.admitCandidate(c)
	return c
}

// admitCandidate inserts c into the candidate pool, evicting the
// least-reliable candidate first if the pool is at CandidateCap.
func (m *Manager) admitCandidate(c *Candidate) {
	if len(m.candidates) >= m.cfg.CandidateCap {
		var worst string
		var worstScore = 2.0 // above the max possible Reliability()
		for id, existing := range m.candidates {
			if existing.Reliability() < worstScore {
				worst, worstScore = id, existing.Reliability()
			}
		}
		if worst != "" {
			delete(m.candidates, worst)
		}
	}
	m.candidates[c.PeerId] = c
}

// RecordSuccess records a successful interaction with peerId (e.g. a
// completed delta-sync round), promoting it to neighbor status once it
// crosses PromotionThreshold and a neighbor slot is free.
func (m *Manager) RecordSuccess(peerId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.entry(peerId)
	c.SuccessCount++
	c.ConsecutiveFailures = 0
	c.LastInteraction = m.clock.Now()

	if _, isNeighbor := m.neighbors[peerId]; isNeighbor {
		return
	}
	if c.SuccessCount >= m.cfg.PromotionThreshold && len(m.neighbors) < m.cfg.TargetNeighbors {
		delete(m.candidates, peerId)
		m.neighbors[peerId] = c
	}
}

// RecordFailure records a failed interaction with peerId, demoting it
// out of the neighbor set after 3 consecutive failures.
func (m *Manager) RecordFailure(peerId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.entry(peerId)
	c.FailureCount++
	c.ConsecutiveFailures++
	c.LastInteraction = m.clock.Now()

	if _, isNeighbor := m.neighbors[peerId]; isNeighbor && c.ConsecutiveFailures >= 3 {
		m.demote(peerId, c)
	}
}

func (m *Manager) demote(peerId string, c *Candidate) {
	delete(m.neighbors, peerId)
	c.SuccessCount = 0
	c.ConsecutiveFailures = 0
	m.admitCandidate(c)
}

// Sweep demotes any neighbor that has gone silent past
// NeighborIdleTimeout, returning it to the candidate pool. Intended to
// be called periodically by the mesh facade's maintenance loop.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for peerId, c := range m.neighbors {
		if now.Sub(c.LastInteraction) > m.cfg.NeighborIdleTimeout {
			m.demote(peerId, c)
		}
	}
}

// IsNeighbor reports whether peerId currently holds a neighbor slot.
func (m *Manager) IsNeighbor(peerId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.neighbors[peerId]
	return ok
}

// NeighborCount returns the current neighbor set size.
func (m *Manager) NeighborCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.neighbors)
}

// MarkSynced records that a delta-sync round with peerId just completed,
// used to compute which neighbors are "due" for their next sync.
func (m *Manager) MarkSynced(peerId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.neighbors[peerId]; ok {
		c.LastSyncAt = m.clock.Now()
	} else if c, ok := m.candidates[peerId]; ok {
		c.LastSyncAt = m.clock.Now()
	}
}

// SyncCandidates selects up to count peers for the next gossip sync
// cycle: neighbors due for sync first (ordered by staleness), then random
// candidates fill any remaining slots.
func (m *Manager) SyncCandidates(count int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	due := make([]string, 0, len(m.neighbors))
	for peerId, c := range m.neighbors {
		if now.Sub(c.LastSyncAt) >= m.cfg.NeighborSyncInterval {
			due = append(due, peerId)
		}
	}
	sortByStaleness(due, m.neighbors)

	out := make([]string, 0, count)
	for _, peerId := range due {
		if len(out) == count {
			return out
		}
		out = append(out, peerId)
	}

	remaining := count - len(out)
	if remaining <= 0 {
		return out
	}
	pool := make([]string, 0, len(m.candidates))
	for peerId := range m.candidates {
		if now.Sub(m.candidateLastSync(peerId)) >= m.cfg.RandomSyncInterval {
			pool = append(pool, peerId)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	for _, peerId := range pool {
		if len(out) == count {
			break
		}
		out = append(out, peerId)
	}
	return out
}

func (m *Manager) candidateLastSync(peerId string) time.Time {
	if c, ok := m.candidates[peerId]; ok {
		return c.LastSyncAt
	}
	return time.Time{}
}

// RecentPeers implements hashgossip.CandidateSource: neighbors and
// candidates together, ordered by last interaction (most recent first),
// used as the fan-out list for a k-of-n consensus lookup.
func (m *Manager) RecentPeers(max int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*Candidate, 0, len(m.neighbors)+len(m.candidates))
	for _, c := range m.neighbors {
		all = append(all, c)
	}
	for _, c := range m.candidates {
		all = append(all, c)
	}
	sortByRecency(all)

	out := make([]string, 0, max)
	for _, c := range all {
		if len(out) == max {
			break
		}
		out = append(out, c.PeerId)
	}
	return out
}

func sortByStaleness(peerIds []string, neighbors map[string]*Candidate) {
	for i := 1; i < len(peerIds); i++ {
		for j := i; j > 0 && neighbors[peerIds[j]].LastSyncAt.Before(neighbors[peerIds[j-1]].LastSyncAt); j-- {
			peerIds[j], peerIds[j-1] = peerIds[j-1], peerIds[j]
		}
	}
}

func sortByRecency(cs []*Candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].LastInteraction.After(cs[j-1].LastInteraction); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
