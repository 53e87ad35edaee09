package hashgossip

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/meshiface"
)

// ConsensusConfig bounds the targeted-lookup consensus.
type ConsensusConfig struct {
	MinPeers      int // default 5, how many peers to query
	MinAgreements int // default 3, how many must agree to accept
	Timeout       time.Duration
}

// DefaultConsensusConfig returns the documented defaults.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{MinPeers: 5, MinAgreements: 3, Timeout: 10 * time.Second}
}

// CandidateSource supplies the recently-alive peers eligible for a
// consensus lookup, ordered by last-sync recency (most recent first).
type CandidateSource interface {
	RecentPeers(max int) []string
}

// lookupResult accumulates RESPKEY answers for one in-flight LookupHash
// call, keyed by PeerId so a peer cannot vote twice. Voter identities are
// kept per vote so the winning answer can be proof-of-possession-checked
// against a peer that actually cast it.
type lookupResult struct {
	mu       sync.Mutex
	flacKey  string
	votes    map[string][]string // "byteHash|size" -> voter PeerIds
	hasVoted map[string]bool
}

func newLookupResult(flacKey string) *lookupResult {
	return &lookupResult{flacKey: flacKey, votes: make(map[string][]string), hasVoted: make(map[string]bool)}
}

func voteKey(byteHash string, size int64) string {
	return fmt.Sprintf("%s|%d", byteHash, size)
}

func (lr *lookupResult) record(peerId, byteHash string, size int64) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.hasVoted[peerId] {
		return
	}
	lr.hasVoted[peerId] = true
	key := voteKey(byteHash, size)
	lr.votes[key] = append(lr.votes[key], peerId)
}

// winner returns the (byteHash, size) with the most agreements, its count,
// and the peers that voted for it.
func (lr *lookupResult) winner() (byteHash string, size int64, count int, voters []string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	best := ""
	for k, v := range lr.votes {
		if len(v) > count {
			best, count = k, len(v)
		}
	}
	if best == "" {
		return "", 0, 0, nil
	}
	hash, sizeStr, _ := strings.Cut(best, "|")
	parsedSize, _ := strconv.ParseInt(sizeStr, 10, 64)
	return hash, parsedSize, count, append([]string(nil), lr.votes[best]...)
}

// pendingLookups tracks in-flight LookupHash calls by FlacKey so incoming
// RESPKEY envelopes can be routed to the right accumulator.
type pendingLookups struct {
	mu    sync.Mutex
	byKey map[string]*lookupResult
}

func newPendingLookups() *pendingLookups {
	return &pendingLookups{byKey: make(map[string]*lookupResult)}
}

func (p *pendingLookups) start(flacKey string) *lookupResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	lr := newLookupResult(flacKey)
	p.byKey[flacKey] = lr
	return lr
}

func (p *pendingLookups) finish(flacKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byKey, flacKey)
}

func (p *pendingLookups) get(flacKey string) (*lookupResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lr, ok := p.byKey[flacKey]
	return lr, ok
}

// LookupHash resolves flacKey, consulting the local database first and
// falling back to a k-of-n consensus query across candidates if absent
// locally.
func (g *Gossip) LookupHash(ctx context.Context, flacKey string, candidates CandidateSource, cfg ConsensusConfig) (meshiface.HashEntry, bool, error) {
	if entry, ok, err := g.db.Lookup(flacKey); err != nil {
		return meshiface.HashEntry{}, false, err
	} else if ok {
		return entry, true, nil
	}

	if cfg == (ConsensusConfig{}) {
		cfg = DefaultConsensusConfig()
	}
	peers := candidates.RecentPeers(cfg.MinPeers)
	if len(peers) == 0 {
		return meshiface.HashEntry{}, false, nil
	}

	lr := g.pending().start(flacKey)
	defer g.pending().finish(flacKey)

	payload, err := encodePayload(ReqKeyPayload{FlacKey: flacKey})
	if err != nil {
		return meshiface.HashEntry{}, false, err
	}
	for _, peerId := range peers {
		if g.isQuarantined(peerId) {
			continue
		}
		if err := g.send(peerId, envelope.TypeReqKey, payload); err != nil {
			g.log.WithError(err).WithField("peer_id", peerId).Debug("REQKEY send failed")
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
	case <-deadline.C:
	}

	byteHash, size, count, voters := lr.winner()
	if count < cfg.MinAgreements {
		return meshiface.HashEntry{}, false, nil
	}

	result := meshiface.HashEntry{FlacKey: flacKey, ByteHash: byteHash, Size: size}

	// A consensus answer is only cached once one of the peers that voted
	// for it proves possession, the same check delta-sync applies per
	// entry. A voter failing the proof is booked as an invalid entry
	// against that peer; the answer is refused outright if no voter passes.
	if g.pop != nil && !g.verifyLookupPop(voters, flacKey, byteHash) {
		return meshiface.HashEntry{}, false, nil
	}

	if _, err := g.db.Merge([]meshiface.HashEntry{result}); err != nil {
		return meshiface.HashEntry{}, false, err
	}
	return result, true, nil
}

// verifyLookupPop runs the proof-of-possession check against each winning
// voter in turn, succeeding on the first peer that can produce bytes
// consistent with byteHash.
func (g *Gossip) verifyLookupPop(voters []string, flacKey, byteHash string) bool {
	for _, peerId := range voters {
		if g.pop.Verify(peerId, flacKey, byteHash) {
			return true
		}
		g.counters.popFailures.Add(1)
		if g.stateFor(peerId).RecordInvalidEntry() {
			g.onViolation(peerId)
		}
	}
	g.log.WithField("flac_key", flacKey).Warn("consensus answer rejected: no winning voter passed proof-of-possession")
	return false
}

// handleReqKey answers an incoming REQKEY with a RESPKEY reflecting
// whether the local database has the requested FlacKey.
func (g *Gossip) handleReqKey(e *envelope.Envelope, ctx envelope.PeerContext) error {
	if g.isQuarantined(ctx.PeerId) {
		return nil
	}
	var req ReqKeyPayload
	if err := decodePayload(e.Payload, &req); err != nil {
		if g.stateFor(ctx.PeerId).RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}

	resp := RespKeyPayload{FlacKey: req.FlacKey}
	if entry, ok, err := g.db.Lookup(req.FlacKey); err == nil && ok {
		resp.Found = true
		resp.ByteHash = entry.ByteHash
		resp.Size = entry.Size
	}
	payload, err := encodePayload(resp)
	if err != nil {
		return err
	}
	return g.send(ctx.PeerId, envelope.TypeRespKey, payload)
}

// handleRespKey routes an incoming RESPKEY to its matching in-flight
// LookupHash accumulator, if any.
func (g *Gossip) handleRespKey(e *envelope.Envelope, ctx envelope.PeerContext) error {
	var resp RespKeyPayload
	if err := decodePayload(e.Payload, &resp); err != nil {
		if g.stateFor(ctx.PeerId).RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}
	if !resp.Found {
		return nil
	}
	lr, ok := g.pending().get(resp.FlacKey)
	if !ok {
		return nil
	}
	lr.record(ctx.PeerId, resp.ByteHash, resp.Size)
	return nil
}

func (g *Gossip) pending() *pendingLookups {
	g.pendingOnce.Do(func() { g.pendingLookupsField = newPendingLookups() })
	return g.pendingLookupsField
}
