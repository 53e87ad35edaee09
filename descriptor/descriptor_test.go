package descriptor

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedDescriptor(t *testing.T) (*Descriptor, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var identPub [32]byte
	copy(identPub[:], pub)

	d := &Descriptor{
		PeerId: hexSHA256(identPub),
		Endpoints: []Endpoint{
			{TransportKind: TransportDirectQUIC, Host: "203.0.113.5", Port: 4433, Scope: ScopeControlData, Preference: 1, Cost: 1},
			{TransportKind: TransportTorQUIC, Host: "exampleonionaddr1234567890123456.onion", Port: 4433, Scope: ScopeControl, Preference: 2},
		},
		NatType:                  NatDirect,
		TimestampMs:              1000,
		IdentityPublicKey:        identPub,
		ControlSigningPublicKeys: [][]byte{pub},
	}
	Sign(d, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })
	return d, pub, priv
}

func TestDescriptorRoundTrip(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	require.NoError(t, Verify(d))
}

func TestDescriptorBitFlipFailsVerification(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)

	flipped := *d
	flipped.TimestampMs ^= 1
	assert.Error(t, Verify(&flipped))

	flipped2 := *d
	flipped2.Endpoints = append([]Endpoint(nil), d.Endpoints...)
	flipped2.Endpoints[0].Port ^= 1
	assert.Error(t, Verify(&flipped2))
}

func TestDescriptorPeerIDBindingRejected(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	d.PeerId = "0000000000000000000000000000000000000000000000000000000000000000"
	assert.ErrorIs(t, Verify(d), ErrPeerIDMismatch)
}

func TestCanonicalIsOrderIndependentOnEndpoints(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	reordered := *d
	reordered.Endpoints = []Endpoint{d.Endpoints[1], d.Endpoints[0]}
	assert.Equal(t, Canonical(d), Canonical(&reordered))
}

func TestEncodeDecodeWireRoundTrip(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	wire, err := EncodeWire(d)
	require.NoError(t, err)

	decoded, err := DecodeWire(wire)
	require.NoError(t, err)
	require.NoError(t, Verify(decoded))
	assert.Equal(t, d.PeerId, decoded.PeerId)
	assert.Len(t, decoded.Endpoints, 2)
}

func TestActiveEndpointsRespectsValidityWindow(t *testing.T) {
	d := &Descriptor{
		Endpoints: []Endpoint{
			{Host: "a", ValidFrom: 100, ValidTo: 200},
			{Host: "b", ValidFrom: 300},
		},
	}
	active := ActiveEndpoints(d, 150)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Host)
}

func hexSHA256(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}
