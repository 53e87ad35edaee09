package envelope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PeerContext is the authenticated context a verified envelope carries to
// its handler: the reverse-looked-up peer identity, the
// remote endpoint/transport it arrived on, and the keys that were allowed
// to sign it.
type PeerContext struct {
	PeerId                    string
	RemoteEndpoint            string
	Transport                 string
	AllowedControlSigningKeys [][]byte
}

// RejectionReason names why Verify rejected an envelope. The wire response
// is identical silence in every case — RejectionReason exists purely for
// internal counters/logs, never echoed to the peer.
type RejectionReason string

const (
	ReasonNone      RejectionReason = ""
	ReasonOversize  RejectionReason = "oversize"
	ReasonTimestamp RejectionReason = "timestamp_skew"
	ReasonReplay    RejectionReason = "replay"
	ReasonSignature RejectionReason = "bad_signature"
)

// Verifier performs the envelope verification pipeline:
// replay/time check, signature check, leaving type-specific validation to
// the dispatched handler.
type Verifier struct {
	replay *ReplayCache
	nowMs  func() uint64
}

// NewVerifier builds a Verifier backed by replay.
func NewVerifier(replay *ReplayCache, nowMs func() uint64) *Verifier {
	return &Verifier{replay: replay, nowMs: nowMs}
}

// Verify runs the replay/time and signature checks against e using ctx's
// allowed signing keys. It never distinguishes "bad timestamp" from "bad
// signature" to the network (see RejectionReason doc), but returns the
// distinction to the caller for local accounting.
func (v *Verifier) Verify(e *Envelope, ctx PeerContext) RejectionReason {
	if err := CheckSize(e); err != nil {
		return ReasonOversize
	}
	if !CheckTimestamp(e, v.nowMs()) {
		return ReasonTimestamp
	}
	if !v.replay.CheckAndStore(ctx.PeerId, e.MessageId) {
		return ReasonReplay
	}
	if !VerifyAgainstKeys(e, ctx.AllowedControlSigningKeys) {
		return ReasonSignature
	}
	return ReasonNone
}

// Handler processes a verified envelope. Handlers are pure of peer
// authentication concerns: by the time a Handler runs,
// replay/time/signature have already passed.
type Handler func(e *Envelope, ctx PeerContext) error

// Dispatcher routes verified envelopes to a statically registered handler
// keyed by Type. Every handler registers at startup; dispatch is a table
// lookup, with no hidden global event bus.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
	verifier *Verifier
	log      *logrus.Entry

	rejected    atomic.Uint64
	sigFailures atomic.Uint64
	replays     atomic.Uint64
}

// Stats is a point-in-time snapshot of the dispatcher's rejection tallies,
// exported to the monitoring facade. Only aggregates are kept; per-peer
// attribution stays in logs.
type Stats struct {
	EnvelopesRejected uint64
	SignaturesFailed  uint64
	ReplaysDetected   uint64
}

// Stats returns a read-copy snapshot of the rejection counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		EnvelopesRejected: d.rejected.Load(),
		SignaturesFailed:  d.sigFailures.Load(),
		ReplaysDetected:   d.replays.Load(),
	}
}

// NewDispatcher builds a Dispatcher that verifies with v before routing.
func NewDispatcher(v *Verifier) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Type]Handler),
		verifier: v,
		log:      logrus.WithField("component", "envelope.dispatch"),
	}
}

// Register statically binds a handler to typ. Registering the same Type
// twice replaces the previous handler (used by tests; production wiring
// registers each Type exactly once at startup).
func (d *Dispatcher) Register(typ Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// Dispatch verifies e against ctx and, on success, routes it to the
// handler registered for e.Type. A failed verification or an unknown Type
// is dropped silently — no response is produced, denying a probing peer
// any oracle to distinguish failure causes.
func (d *Dispatcher) Dispatch(e *Envelope, ctx PeerContext) RejectionReason {
	if reason := d.verifier.Verify(e, ctx); reason != ReasonNone {
		d.rejected.Add(1)
		switch reason {
		case ReasonSignature:
			d.sigFailures.Add(1)
		case ReasonReplay:
			d.replays.Add(1)
		}
		d.log.WithFields(logrus.Fields{"peer_id": ctx.PeerId, "type": e.Type, "reason": reason}).Debug("envelope rejected")
		return reason
	}

	d.mu.RLock()
	h, ok := d.handlers[e.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.WithFields(logrus.Fields{"peer_id": ctx.PeerId, "type": e.Type}).Debug("no handler registered; dropping")
		return ReasonNone
	}
	if err := h(e, ctx); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"peer_id": ctx.PeerId, "type": e.Type}).Warn("handler returned error")
	}
	return ReasonNone
}

// MustHandlers returns an error naming the first Type in required that has
// no registered handler, or nil if all are registered; intended for a
// startup sanity check, not for use on the hot path.
func (d *Dispatcher) MustHandlers(required ...Type) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range required {
		if _, ok := d.handlers[t]; !ok {
			return fmt.Errorf("envelope: no handler registered for %s", t)
		}
	}
	return nil
}
