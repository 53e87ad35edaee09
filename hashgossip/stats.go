package hashgossip

import "sync/atomic"

// Stats is a point-in-time snapshot of the gossip counters the monitoring
// facade exports: aggregate tallies only, never per-peer error detail.
type Stats struct {
	EntriesRejected           uint64
	ProofOfPossessionFailures uint64
	QuarantinesActive         int
	ChunksServed              uint64
}

// counters holds the hot-path tallies behind Stats. Increments are atomic
// so handlers never contend on a stats lock.
type counters struct {
	entriesRejected atomic.Uint64
	popFailures     atomic.Uint64
	chunksServed    atomic.Uint64
}

// Stats returns a read-copy snapshot of the gossip counters.
// QuarantinesActive is computed live against each peer's quarantine
// deadline rather than tallied, so an expired quarantine drops out of the
// count without an explicit reset event.
func (g *Gossip) Stats() Stats {
	return Stats{
		EntriesRejected:           g.counters.entriesRejected.Load(),
		ProofOfPossessionFailures: g.counters.popFailures.Load(),
		QuarantinesActive:         g.peers.quarantinedCount(),
		ChunksServed:              g.counters.chunksServed.Load(),
	}
}
