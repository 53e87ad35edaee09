package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/descriptor"
)

func newTorDialer(t *testing.T) *AnonDialer {
	t.Helper()
	d, err := NewAnonDialer(AnonDialerConfig{
		Kind:                  AnonTor,
		SocksHost:             "127.0.0.1",
		SocksPort:             9050,
		StreamIsolationSecret: []byte("local-isolation-secret"),
	})
	require.NoError(t, err)
	return d
}

func TestAnonDialer_DistinctCredentialsPerPeer(t *testing.T) {
	d := newTorDialer(t)

	userA, passA := d.isolationCredential("peer-a")
	userB, passB := d.isolationCredential("peer-b")

	assert.NotEqual(t, userA, userB, "two peers must land on distinct circuits")
	assert.NotEqual(t, passA, passB)
}

func TestAnonDialer_SamePeerReusesCredential(t *testing.T) {
	d := newTorDialer(t)

	user1, pass1 := d.isolationCredential("peer-a")
	user2, pass2 := d.isolationCredential("peer-a")

	assert.Equal(t, user1, user2, "repeat dials to one peer must share a circuit")
	assert.Equal(t, pass1, pass2)
}

func TestAnonDialer_RefusesEmptyIsolationSecret(t *testing.T) {
	_, err := NewAnonDialer(AnonDialerConfig{Kind: AnonTor, SocksHost: "127.0.0.1", SocksPort: 9050})
	assert.Error(t, err)
}

// The DNS-leak guard: a Tor dial to anything that is not a .onion host —
// an IP literal, a clearnet hostname — must be refused before any socket
// work, so the local resolver can never be consulted for it.
func TestAnonDialer_DialRejectsNonOnionHost(t *testing.T) {
	d := newTorDialer(t)

	for _, host := range []string{"192.0.2.10", "example.com", "peer.i2p"} {
		_, err := d.Dial("peer-a", host, 4433)
		assert.ErrorIs(t, err, ErrNotOnion, "host %q must trip the guard", host)
	}
}

func TestAnonDialer_DialRejectsNonI2PHost(t *testing.T) {
	d, err := NewAnonDialer(AnonDialerConfig{
		Kind:                  AnonI2P,
		SocksHost:             "127.0.0.1",
		SocksPort:             4447,
		StreamIsolationSecret: []byte("local-isolation-secret"),
	})
	require.NoError(t, err)

	for _, host := range []string{"192.0.2.10", "example.com"} {
		_, err := d.Dial("peer-a", host, 4433)
		assert.ErrorIs(t, err, ErrNotI2P, "host %q must trip the guard", host)
	}
}

func TestValidateHost(t *testing.T) {
	cases := []struct {
		name    string
		kind    descriptor.TransportKind
		host    string
		allowed map[string]bool
		wantErr bool
	}{
		{"v3 onion", descriptor.TransportTorQUIC, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion", nil, false},
		{"v2-length onion", descriptor.TransportTorQUIC, "aaaaaaaaaaaaaaaa.onion", nil, false},
		{"onion wrong length", descriptor.TransportTorQUIC, "short.onion", nil, true},
		{"not onion", descriptor.TransportTorQUIC, "example.com", nil, true},
		{"i2p host", descriptor.TransportI2PQUIC, "peer.i2p", nil, false},
		{"not i2p", descriptor.TransportI2PQUIC, "peer.onion", nil, true},
		{"direct ip", descriptor.TransportDirectQUIC, "192.0.2.10", nil, false},
		{"direct allowed name", descriptor.TransportDirectQUIC, "mesh.example.org", map[string]bool{"mesh.example.org": true}, false},
		{"direct disallowed name", descriptor.TransportDirectQUIC, "mesh.example.org", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHost(tc.kind, tc.host, tc.allowed)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
