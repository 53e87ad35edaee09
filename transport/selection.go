package transport

import (
	"sort"

	"github.com/opd-ai/meshcore/descriptor"
)

// SelectionPolicy orders a peer's active endpoints into a dial order:
// lower Preference first, then
// lower Cost, then the operator's configured transport-kind preference
// order. NAT compatibility does not affect the order (see NatPenalty).
// ValidFrom/ValidTo filtering happens
// before the policy ever sees an endpoint (descriptor.ActiveEndpoints).
type SelectionPolicy struct {
	// KindOrder ranks transport kinds the local node is willing to use, in
	// preference order; a kind absent from KindOrder is never selected
	// (e.g. a node without a configured Tor SOCKS5 proxy excludes
	// tor-onion-quic entirely).
	KindOrder []descriptor.TransportKind

	// LocalNat is the local node's own observed NAT classification, used
	// to penalize endpoints unlikely to be reachable (e.g. a symmetric-NAT
	// local node behind a direct-quic endpoint advertised by a peer also
	// behind symmetric NAT, absent a relay).
	LocalNat descriptor.NatType
}

func (p SelectionPolicy) kindRank(k descriptor.TransportKind) int {
	for i, kk := range p.KindOrder {
		if kk == k {
			return i
		}
	}
	return len(p.KindOrder) // unranked kinds sort last
}

// natPenalty scores how likely the local/remote NAT pairing is to
// succeed without a relay; 0 is best.
func (p SelectionPolicy) natPenalty(peerNat descriptor.NatType, relayRequired bool) int {
	if relayRequired {
		return 2
	}
	if p.LocalNat == descriptor.NatSymmetric && peerNat == descriptor.NatSymmetric {
		return 2
	}
	if p.LocalNat == descriptor.NatSymmetric || peerNat == descriptor.NatSymmetric {
		return 1
	}
	return 0
}

// Order returns the subset of endpoints whose kind is in p.KindOrder,
// sorted into the dial attempt order: ascending Preference, then
// ascending Cost, then ascending kind rank. endpoints should already be
// filtered to those active at the current time via
// descriptor.ActiveEndpoints.
func (p SelectionPolicy) Order(endpoints []descriptor.Endpoint) []descriptor.Endpoint {
	usable := make([]descriptor.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if p.kindRank(e.TransportKind) < len(p.KindOrder) {
			usable = append(usable, e)
		}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.Preference != b.Preference {
			return a.Preference < b.Preference
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return p.kindRank(a.TransportKind) < p.kindRank(b.TransportKind)
	})

	return usable
}

// NatPenalty scores how likely a dial to a peer with peerNat is to succeed
// without a relay, given the local node's own NAT classification; 0 is
// best, 2 worst. Callers use this to decide whether to fall back to a
// relay-required endpoint rather than to order endpoints of a single peer,
// since all of one peer's endpoints share the same peerNat/relayRequired.
func (p SelectionPolicy) NatPenalty(peerNat descriptor.NatType, relayRequired bool) int {
	return p.natPenalty(peerNat, relayRequired)
}
