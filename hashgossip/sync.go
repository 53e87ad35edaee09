package hashgossip

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/meshiface"
)

// Sender delivers a signed envelope to a specific peer; the mesh's
// transport/session layer implements this, not hashgossip.
type Sender interface {
	Send(peerId string, e *envelope.Envelope) error
}

// dbConsistencyAdapter adapts a meshiface.HashDbService into the narrower
// ConsistencySet the validation pipeline consults.
type dbConsistencyAdapter struct{ db meshiface.HashDbService }

func (a dbConsistencyAdapter) SizeFor(flacKey, byteHash string) (int64, bool) {
	entry, ok, err := a.db.Lookup(flacKey)
	if err != nil || !ok || entry.ByteHash != byteHash {
		return 0, false
	}
	return entry.Size, true
}

// Gossip drives the per-peer delta-sync state machine: the
// HELLO/REQDELTA/PUSHDELTA/ACK exchange, entry validation, rate limiting
// and quarantine, and (optionally) proof-of-possession.
type Gossip struct {
	db          meshiface.HashDbService
	resolver    meshiface.PathResolver  // may be nil: chunk requests always fail Success=false without one
	reputation  meshiface.PeerReputation // may be nil
	limits      Limits
	sign        func([]byte) []byte
	signerKeyId []byte
	sender      Sender
	pop         PopVerifier // may be nil: PoP is skipped when unset

	chunkReaderImpl chunkReader // nil uses osChunkReader; tests may substitute one
	chunkSem        chan struct{}

	peers    *stateRegistry
	counters counters
	log      *logrus.Entry

	pendingOnce         sync.Once
	pendingLookupsField *pendingLookups
}

// Config configures a Gossip instance.
type Config struct {
	DB          meshiface.HashDbService
	Resolver    meshiface.PathResolver
	Reputation  meshiface.PeerReputation
	Limits      Limits
	Sign        func([]byte) []byte
	SignerKeyId []byte
	Sender      Sender
	Pop         PopVerifier
}

// New builds a Gossip instance and registers its handlers is left to the
// caller via RegisterHandlers, so the mesh facade controls dispatcher
// wiring order explicitly.
func New(cfg Config) *Gossip {
	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	chunkSlots := limits.MaxChunkConcurrency
	if chunkSlots <= 0 {
		chunkSlots = DefaultLimits().MaxChunkConcurrency
	}
	return &Gossip{
		db:          cfg.DB,
		resolver:    cfg.Resolver,
		reputation:  cfg.Reputation,
		limits:      limits,
		sign:        cfg.Sign,
		signerKeyId: cfg.SignerKeyId,
		sender:      cfg.Sender,
		pop:         cfg.Pop,
		chunkSem:    make(chan struct{}, chunkSlots),
		peers:       newStateRegistry(limits),
		log:         logrus.WithField("component", "hashgossip"),
	}
}

// RegisterHandlers binds every envelope type this package handles onto d.
func (g *Gossip) RegisterHandlers(d *envelope.Dispatcher) {
	d.Register(envelope.TypeHello, g.handleHello)
	d.Register(envelope.TypeReqDelta, g.handleReqDelta)
	d.Register(envelope.TypePushDelta, g.handlePushDelta)
	d.Register(envelope.TypeAck, g.handleAck)
	d.Register(envelope.TypeReqKey, g.handleReqKey)
	d.Register(envelope.TypeRespKey, g.handleRespKey)
	d.Register(envelope.TypeReqChunk, g.handleReqChunk)
}

func (g *Gossip) stateFor(peerId string) *PeerState {
	return g.peers.get(peerId)
}

func (g *Gossip) isQuarantined(peerId string) bool {
	if g.reputation != nil && g.reputation.IsUntrusted(peerId) {
		return true
	}
	return g.stateFor(peerId).Quarantined()
}

func (g *Gossip) send(peerId string, typ envelope.Type, payload []byte) error {
	e := envelope.New(typ, payload)
	envelope.Sign(e, g.sign, g.signerKeyId)
	return g.sender.Send(peerId, e)
}

// StartSync initiates a delta-sync attempt with peerId by entering
// Greeting and sending our HELLO. Refuses silently (returning the
// cooldown/in-progress error) if the peer is mid-sync or in cooldown.
func (g *Gossip) StartSync(peerId string) error {
	if g.isQuarantined(peerId) {
		return fmt.Errorf("hashgossip: peer %s is quarantined or untrusted", peerId)
	}
	ps := g.stateFor(peerId)
	if err := ps.EnterGreeting(); err != nil {
		return err
	}
	payload, err := encodePayload(HelloPayload{LatestSeqId: g.db.CurrentSeqId()})
	if err != nil {
		ps.ResetToIdle()
		return err
	}
	if err := g.send(peerId, envelope.TypeHello, payload); err != nil {
		ps.ResetToIdle()
		return err
	}
	return nil
}

func (g *Gossip) handleHello(e *envelope.Envelope, ctx envelope.PeerContext) error {
	if g.isQuarantined(ctx.PeerId) {
		return nil
	}
	ps := g.stateFor(ctx.PeerId)
	ps.Touch()

	var hello HelloPayload
	if err := decodePayload(e.Payload, &hello); err != nil {
		if ps.RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}

	if ps.SyncState() == SyncIdle {
		// Peer-initiated greeting: reply in kind before requesting our delta.
		if err := ps.EnterGreeting(); err != nil {
			return nil // in cooldown; drop silently
		}
		replyPayload, err := encodePayload(HelloPayload{LatestSeqId: g.db.CurrentSeqId()})
		if err != nil {
			return err
		}
		if err := g.send(ctx.PeerId, envelope.TypeHello, replyPayload); err != nil {
			return err
		}
	}

	if ps.SyncState() != SyncGreeting {
		return nil
	}

	reqPayload, err := encodePayload(ReqDeltaPayload{SinceSeqId: ps.LastObservedSeq(), MaxEntries: 1000})
	if err != nil {
		return err
	}
	ps.Advance(SyncDelivering)
	return g.send(ctx.PeerId, envelope.TypeReqDelta, reqPayload)
}

func (g *Gossip) handleReqDelta(e *envelope.Envelope, ctx envelope.PeerContext) error {
	if g.isQuarantined(ctx.PeerId) {
		return nil
	}
	ps := g.stateFor(ctx.PeerId)
	ps.Touch()

	var req ReqDeltaPayload
	if err := decodePayload(e.Payload, &req); err != nil {
		if ps.RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}
	maxEntries := req.MaxEntries
	if maxEntries <= 0 || maxEntries > 1000 {
		maxEntries = 1000
	}

	entries, err := g.db.EntriesSince(req.SinceSeqId, maxEntries)
	if err != nil {
		return err
	}

	wireEntries := make([]Entry, len(entries))
	for i, ie := range entries {
		wireEntries[i] = fromIface(ie)
	}

	payload, err := encodePayload(PushDeltaPayload{
		Entries:     entriesToWire(wireEntries),
		LatestSeqId: g.db.CurrentSeqId(),
		HasMore:     len(entries) == maxEntries,
	})
	if err != nil {
		return err
	}
	return g.send(ctx.PeerId, envelope.TypePushDelta, payload)
}

func (g *Gossip) handlePushDelta(e *envelope.Envelope, ctx envelope.PeerContext) error {
	if g.isQuarantined(ctx.PeerId) {
		return nil
	}
	ps := g.stateFor(ctx.PeerId)
	ps.Touch()
	ps.Advance(SyncSettling)

	var push PushDeltaPayload
	if err := decodePayload(e.Payload, &push); err != nil {
		if ps.RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		ps.Advance(SyncCooldown)
		return err
	}

	consistency := dbConsistencyAdapter{db: g.db}
	survivors := make([]meshiface.HashEntry, 0, len(push.Entries))
	for _, we := range entriesFromWire(push.Entries) {
		if err := ValidateStructural(we, 0); err != nil {
			g.counters.entriesRejected.Add(1)
			if ps.RecordInvalidEntry() {
				g.onViolation(ctx.PeerId)
			}
			continue
		}
		if err := ValidateConsistency(we, consistency); err != nil {
			g.counters.entriesRejected.Add(1)
			if ps.RecordInvalidEntry() {
				g.onViolation(ctx.PeerId)
			}
			continue
		}
		if g.pop != nil && !g.pop.Verify(ctx.PeerId, we.FlacKey, we.ByteHash) {
			g.counters.entriesRejected.Add(1)
			g.counters.popFailures.Add(1)
			if ps.RecordInvalidEntry() {
				g.onViolation(ctx.PeerId)
			}
			continue
		}
		survivors = append(survivors, we.toIface())
	}

	merged, err := g.db.Merge(survivors)
	if err != nil {
		ps.Advance(SyncCooldown)
		return err
	}

	ps.SetLastObservedSeq(push.LatestSeqId)
	ps.Advance(SyncCooldown)

	ackPayload, err := encodePayload(AckPayload{MergedCount: merged, LatestSeqId: g.db.CurrentSeqId()})
	if err != nil {
		return err
	}
	return g.send(ctx.PeerId, envelope.TypeAck, ackPayload)
}

func (g *Gossip) handleAck(e *envelope.Envelope, ctx envelope.PeerContext) error {
	ps := g.stateFor(ctx.PeerId)
	ps.Touch()

	var ack AckPayload
	if err := decodePayload(e.Payload, &ack); err != nil {
		if ps.RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}
	ps.SetLastObservedSeq(ack.LatestSeqId)
	ps.Advance(SyncCooldown)
	g.log.WithFields(logrus.Fields{"peer_id": ctx.PeerId, "merged": ack.MergedCount}).Debug("delta sync acknowledged")
	return nil
}

func (g *Gossip) onViolation(peerId string) {
	ps := g.stateFor(peerId)
	if g.reputation != nil {
		g.reputation.RecordProtocolViolation(peerId, "hashgossip validation failure")
	}
	if ps.MaybeQuarantine() {
		g.log.WithField("peer_id", peerId).Warn("peer quarantined for repeated gossip violations")
	}
}

// PopVerifier performs (or skips) the optional proof-of-possession check
// for a candidate (flacKey, byteHash) pair claimed by peerId.
type PopVerifier interface {
	Verify(peerId, flacKey, byteHash string) bool
}
