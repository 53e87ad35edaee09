package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/meshcore/descriptor"
)

func TestSelectionPolicy_OrdersByPreferenceThenCost(t *testing.T) {
	p := SelectionPolicy{KindOrder: []descriptor.TransportKind{descriptor.TransportDirectQUIC, descriptor.TransportTorQUIC}}

	eps := []descriptor.Endpoint{
		{TransportKind: descriptor.TransportDirectQUIC, Host: "10.0.0.1", Preference: 2, Cost: 1},
		{TransportKind: descriptor.TransportTorQUIC, Host: "abc.onion", Preference: 1, Cost: 5},
		{TransportKind: descriptor.TransportDirectQUIC, Host: "10.0.0.2", Preference: 1, Cost: 1},
	}

	ordered := p.Order(eps)
	assert.Len(t, ordered, 3)
	assert.Equal(t, "10.0.0.2", ordered[0].Host, "lowest Preference sorts first")
	assert.Equal(t, "abc.onion", ordered[1].Host)
	assert.Equal(t, "10.0.0.1", ordered[2].Host)
}

func TestSelectionPolicy_ExcludesUnconfiguredKinds(t *testing.T) {
	p := SelectionPolicy{KindOrder: []descriptor.TransportKind{descriptor.TransportDirectQUIC}}

	eps := []descriptor.Endpoint{
		{TransportKind: descriptor.TransportDirectQUIC, Host: "10.0.0.1"},
		{TransportKind: descriptor.TransportI2PQUIC, Host: "xyz.i2p"},
	}

	ordered := p.Order(eps)
	assert.Len(t, ordered, 1, "an endpoint whose kind is not in KindOrder must be dropped, not just sorted last")
	assert.Equal(t, "10.0.0.1", ordered[0].Host)
}

func TestSelectionPolicy_NatPenaltyPrefersRelayOverDoubleSymmetric(t *testing.T) {
	p := SelectionPolicy{LocalNat: descriptor.NatSymmetric}

	assert.Equal(t, 2, p.NatPenalty(descriptor.NatSymmetric, false), "two symmetric NATs without a relay are worst-case")
	assert.Equal(t, 2, p.NatPenalty(descriptor.NatDirect, true), "a relay-required endpoint is always worst-case regardless of NAT")
	assert.Equal(t, 1, p.NatPenalty(descriptor.NatDirect, false))
	assert.Equal(t, 0, SelectionPolicy{LocalNat: descriptor.NatDirect}.NatPenalty(descriptor.NatDirect, false))
}
