// Package descriptor implements the signed PeerDescriptor record published
// to the DHT, its canonical encoding, and the directory
// that publishes/fetches/caches descriptors and maintains the reverse
// endpoint→PeerId registry.
package descriptor

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// TransportKind enumerates the transport kinds an endpoint may advertise.
type TransportKind string

const (
	TransportDirectQUIC TransportKind = "direct-quic"
	TransportTorQUIC    TransportKind = "tor-onion-quic"
	TransportI2PQUIC    TransportKind = "i2p-quic"
)

// Scope says which plane(s) an endpoint serves.
type Scope string

const (
	ScopeControl     Scope = "control"
	ScopeData        Scope = "data"
	ScopeControlData Scope = "control+data"
)

// NatType classifies a node's observed NAT behaviour.
type NatType uint8

const (
	NatUnknown NatType = iota
	NatDirect
	NatRestricted
	NatSymmetric
)

// Endpoint is one transport endpoint a peer advertises.
type Endpoint struct {
	TransportKind TransportKind
	Host          string
	Port          uint16
	Scope         Scope
	Preference    int
	Cost          int
	ValidFrom     uint64 // ms since epoch; 0 means "no lower bound"
	ValidTo       uint64 // ms since epoch; 0 means "no upper bound"
}

// activeAt reports whether the endpoint's validity window includes nowMs.
func (e Endpoint) activeAt(nowMs uint64) bool {
	if e.ValidFrom != 0 && nowMs < e.ValidFrom {
		return false
	}
	if e.ValidTo != 0 && nowMs > e.ValidTo {
		return false
	}
	return true
}

// sortKey produces the (TransportKind, Host, Port) lexicographic key the
// canonical encoding sorts endpoints by.
func (e Endpoint) sortKey() string {
	return fmt.Sprintf("%s\x00%s\x00%05d", e.TransportKind, e.Host, e.Port)
}

// Descriptor is the signed peer descriptor published to the DHT.
type Descriptor struct {
	PeerId                   string
	Endpoints                []Endpoint
	NatType                  NatType
	RelayRequired            bool
	TimestampMs              uint64
	IdentityPublicKey        [32]byte
	TlsControlSpkiSha256     [32]byte
	TlsDataSpkiSha256        [32]byte
	ControlSigningPublicKeys [][]byte // 1..3 Ed25519 public keys
	Signature                [64]byte
}

// ErrPeerIDMismatch is returned when a descriptor's PeerId does not bind to
// its IdentityPublicKey.
var ErrPeerIDMismatch = errors.New("descriptor: PeerId does not match hex(sha256(IdentityPublicKey))")

// ErrInvalidSignature is returned when a descriptor's signature fails to
// verify against IdentityPublicKey.
var ErrInvalidSignature = errors.New("descriptor: signature verification failed")

// ErrNoSigningKeys is returned by validation when ControlSigningPublicKeys
// is empty or exceeds the 1..3 bound.
var ErrNoSigningKeys = errors.New("descriptor: ControlSigningPublicKeys must contain 1 to 3 keys")

// Canonical produces the deterministic length-prefixed byte encoding of
// every field except Signature, with Endpoints sorted by
// (TransportKind, Host, Port). Two descriptors that are semantically equal
// (same fields, any input ordering of endpoints) canonicalize identically.
func Canonical(d *Descriptor) []byte {
	var buf bytes.Buffer

	writeString(&buf, d.PeerId)

	sorted := append([]Endpoint(nil), d.Endpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sortKey() < sorted[j].sortKey() })
	writeUint32(&buf, uint32(len(sorted)))
	for _, e := range sorted {
		writeString(&buf, string(e.TransportKind))
		writeString(&buf, e.Host)
		writeUint16(&buf, e.Port)
		writeString(&buf, string(e.Scope))
		writeInt64(&buf, int64(e.Preference))
		writeInt64(&buf, int64(e.Cost))
		writeUint64(&buf, e.ValidFrom)
		writeUint64(&buf, e.ValidTo)
	}

	buf.WriteByte(byte(d.NatType))
	if d.RelayRequired {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint64(&buf, d.TimestampMs)
	buf.Write(d.IdentityPublicKey[:])
	buf.Write(d.TlsControlSpkiSha256[:])
	buf.Write(d.TlsDataSpkiSha256[:])

	writeUint32(&buf, uint32(len(d.ControlSigningPublicKeys)))
	for _, k := range d.ControlSigningPublicKeys {
		writeBytes(&buf, k)
	}

	return buf.Bytes()
}

// Sign canonicalizes d (excluding Signature) and signs it with sign, a
// function such as identity.Store.Sign that signs with the node's identity
// private key. It sets d.Signature in place.
func Sign(d *Descriptor, sign func([]byte) []byte) {
	sig := sign(Canonical(d))
	copy(d.Signature[:], sig)
}

// Verify checks that d.PeerId binds to d.IdentityPublicKey and that
// d.Signature is a valid Ed25519 signature over Canonical(d).
func Verify(d *Descriptor) error {
	if len(d.ControlSigningPublicKeys) < 1 || len(d.ControlSigningPublicKeys) > 3 {
		return ErrNoSigningKeys
	}
	sum := sha256.Sum256(d.IdentityPublicKey[:])
	if hex.EncodeToString(sum[:]) != d.PeerId {
		return ErrPeerIDMismatch
	}
	if !ed25519.Verify(d.IdentityPublicKey[:], Canonical(d), d.Signature[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// ActiveEndpoints returns the subset of d.Endpoints whose validity window
// includes nowMs.
func ActiveEndpoints(d *Descriptor, nowMs uint64) []Endpoint {
	var out []Endpoint
	for _, e := range d.Endpoints {
		if e.activeAt(nowMs) {
			out = append(out, e)
		}
	}
	return out
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}
