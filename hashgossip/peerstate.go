package hashgossip

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshcore/internal/clock"
)

// SyncState is a position in the per-peer delta-sync state machine.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncGreeting
	SyncDelivering
	SyncSettling
	SyncCooldown
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncGreeting:
		return "greeting"
	case SyncDelivering:
		return "delivering"
	case SyncSettling:
		return "settling"
	case SyncCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Limits bundles the gossip rate-limiting and quarantine thresholds, all
// configurable with the documented defaults.
type Limits struct {
	RateWindow                   time.Duration // default 5 minutes
	MaxInvalidEntriesPerWindow   int           // default 50
	MaxInvalidMessagesPerWindow  int           // default 10
	QuarantineViolationThreshold int           // default 3
	QuarantineDuration           time.Duration // default 30 minutes
	SyncCooldown                 time.Duration // default 30 minutes
	ChunkRequestsPerMinute       int           // default 60
	MaxChunkConcurrency          int           // default 20, global across peers
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		RateWindow:                   5 * time.Minute,
		MaxInvalidEntriesPerWindow:   50,
		MaxInvalidMessagesPerWindow:  10,
		QuarantineViolationThreshold: 3,
		QuarantineDuration:           30 * time.Minute,
		SyncCooldown:                 30 * time.Minute,
		ChunkRequestsPerMinute:       60,
		MaxChunkConcurrency:          20,
	}
}

// PeerState is the in-memory per-peer bookkeeping: sync position,
// rolling-window violation queues, quarantine deadline, and the last SeqId
// this peer is known to have observed (used to compute delta requests).
type PeerState struct {
	mu sync.Mutex

	peerId string
	clock  clock.Provider
	limits Limits

	sync            SyncState
	lastSeen        time.Time
	lastSyncAt      time.Time
	lastObservedSeq int64

	invalidEntryTimes   []time.Time
	invalidMessageTimes []time.Time
	violationCount      int
	quarantineUntil     time.Time

	chunkRequestTimes []time.Time
}

// NewPeerState creates bookkeeping for peerId. cp may be nil to use the
// real wall clock.
func NewPeerState(peerId string, limits Limits, cp clock.Provider) *PeerState {
	return &PeerState{
		peerId: peerId,
		clock:  clock.Or(cp),
		limits: limits,
		sync:   SyncIdle,
	}
}

// Touch records that the peer was just seen (any envelope arrival).
func (p *PeerState) Touch() {
	p.mu.Lock()
	p.lastSeen = p.clock.Now()
	p.mu.Unlock()
}

// SyncState returns the peer's current position in the delta-sync state
// machine.
func (p *PeerState) SyncState() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sync
}

// EnterGreeting transitions Idle->Greeting, refusing if the peer is still
// within its post-sync cooldown.
func (p *PeerState) EnterGreeting() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sync == SyncCooldown && p.clock.Since(p.lastSyncAt) < p.limits.SyncCooldown {
		return fmt.Errorf("hashgossip: peer %s is in cooldown for %s", p.peerId, p.limits.SyncCooldown-p.clock.Since(p.lastSyncAt))
	}
	if p.sync != SyncIdle && p.sync != SyncCooldown {
		return fmt.Errorf("hashgossip: peer %s sync already in progress (state %s)", p.peerId, p.sync)
	}
	p.sync = SyncGreeting
	return nil
}

// Advance moves the state machine forward without re-checking cooldown;
// used for the Greeting->Delivering->Settling->Cooldown chain once a sync
// has already started.
func (p *PeerState) Advance(to SyncState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sync = to
	if to == SyncCooldown {
		p.lastSyncAt = p.clock.Now()
	}
}

// ResetToIdle returns the peer to Idle, e.g. after a cooldown window
// elapses or an error aborts the sync early.
func (p *PeerState) ResetToIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sync = SyncIdle
}

// LastObservedSeq returns the highest SeqId this peer is known to have
// sent or acknowledged, used to compute the next REQDELTA's SinceSeqId.
func (p *PeerState) LastObservedSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastObservedSeq
}

// SetLastObservedSeq records a new high-water mark for this peer.
func (p *PeerState) SetLastObservedSeq(seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.lastObservedSeq {
		p.lastObservedSeq = seq
	}
}

// RecordInvalidEntry appends an invalid-entry timestamp to the rolling
// window and returns true if this pushed the peer over
// MaxInvalidEntriesPerWindow, incrementing the violation counter.
func (p *PeerState) RecordInvalidEntry() (violated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.invalidEntryTimes = prune(p.invalidEntryTimes, now, p.limits.RateWindow)
	p.invalidEntryTimes = append(p.invalidEntryTimes, now)
	if len(p.invalidEntryTimes) > p.limits.MaxInvalidEntriesPerWindow {
		p.violationCount++
		return true
	}
	return false
}

// RecordInvalidMessage appends an invalid-message timestamp to the rolling
// window and returns true if this pushed the peer over
// MaxInvalidMessagesPerWindow, incrementing the violation counter.
func (p *PeerState) RecordInvalidMessage() (violated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.invalidMessageTimes = prune(p.invalidMessageTimes, now, p.limits.RateWindow)
	p.invalidMessageTimes = append(p.invalidMessageTimes, now)
	if len(p.invalidMessageTimes) > p.limits.MaxInvalidMessagesPerWindow {
		p.violationCount++
		return true
	}
	return false
}

// MaybeQuarantine quarantines the peer if its violation count has reached
// QuarantineViolationThreshold, returning true if quarantine was (re-)set.
func (p *PeerState) MaybeQuarantine() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.violationCount < p.limits.QuarantineViolationThreshold {
		return false
	}
	p.quarantineUntil = p.clock.Now().Add(p.limits.QuarantineDuration)
	p.violationCount = 0
	return true
}

// Quarantined reports whether the peer is currently within its quarantine
// window; all envelopes from a quarantined peer are rejected before
// dispatch.
func (p *PeerState) Quarantined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock.Now().Before(p.quarantineUntil)
}

// AllowChunkRequest enforces the per-peer chunk-request cap
// (ChunkRequestsPerMinute) using the same rolling-window technique as the
// invalid-entry/-message counters.
func (p *PeerState) AllowChunkRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.chunkRequestTimes = prune(p.chunkRequestTimes, now, time.Minute)
	if len(p.chunkRequestTimes) >= p.limits.ChunkRequestsPerMinute {
		return false
	}
	p.chunkRequestTimes = append(p.chunkRequestTimes, now)
	return true
}

func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(times) && now.Sub(times[cut]) > window {
		cut++
	}
	if cut == 0 {
		return times
	}
	return append([]time.Time(nil), times[cut:]...)
}
