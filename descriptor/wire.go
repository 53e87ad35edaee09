package descriptor

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle codec.MsgpackHandle

// wireDescriptor is the flat, msgpack-friendly shape stored in the DHT.
// Keeping it separate from Descriptor means the wire format doesn't shift
// every time the in-memory type gains a convenience method.
type wireDescriptor struct {
	PeerId                   string
	Endpoints                []wireEndpoint
	NatType                  uint8
	RelayRequired            bool
	TimestampMs              uint64
	IdentityPublicKey        []byte
	TlsControlSpkiSha256     []byte
	TlsDataSpkiSha256        []byte
	ControlSigningPublicKeys [][]byte
	Signature                []byte
}

type wireEndpoint struct {
	TransportKind string
	Host          string
	Port          uint16
	Scope         string
	Preference    int
	Cost          int
	ValidFrom     uint64
	ValidTo       uint64
}

// EncodeWire serializes d for storage as a DHT value. The canonical
// length-prefixed encoding covers signing only; the DHT transport encoding
// uses the deterministic msgpack schema.
func EncodeWire(d *Descriptor) ([]byte, error) {
	w := wireDescriptor{
		PeerId:                   d.PeerId,
		NatType:                  uint8(d.NatType),
		RelayRequired:            d.RelayRequired,
		TimestampMs:              d.TimestampMs,
		IdentityPublicKey:        d.IdentityPublicKey[:],
		TlsControlSpkiSha256:     d.TlsControlSpkiSha256[:],
		TlsDataSpkiSha256:        d.TlsDataSpkiSha256[:],
		ControlSigningPublicKeys: d.ControlSigningPublicKeys,
		Signature:                d.Signature[:],
	}
	for _, e := range d.Endpoints {
		w.Endpoints = append(w.Endpoints, wireEndpoint{
			TransportKind: string(e.TransportKind),
			Host:          e.Host,
			Port:          e.Port,
			Scope:         string(e.Scope),
			Preference:    e.Preference,
			Cost:          e.Cost,
			ValidFrom:     e.ValidFrom,
			ValidTo:       e.ValidTo,
		})
	}

	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(&w); err != nil {
		return nil, fmt.Errorf("descriptor: msgpack encode: %w", err)
	}
	return out, nil
}

// DecodeWire deserializes a descriptor previously produced by EncodeWire.
func DecodeWire(data []byte) (*Descriptor, error) {
	var w wireDescriptor
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("descriptor: msgpack decode: %w", err)
	}

	d := &Descriptor{
		PeerId:        w.PeerId,
		NatType:       NatType(w.NatType),
		RelayRequired: w.RelayRequired,
		TimestampMs:   w.TimestampMs,
	}
	if len(w.IdentityPublicKey) != 32 {
		return nil, fmt.Errorf("descriptor: wrong IdentityPublicKey length %d", len(w.IdentityPublicKey))
	}
	copy(d.IdentityPublicKey[:], w.IdentityPublicKey)
	if len(w.TlsControlSpkiSha256) != 32 || len(w.TlsDataSpkiSha256) != 32 {
		return nil, fmt.Errorf("descriptor: wrong SPKI hash length")
	}
	copy(d.TlsControlSpkiSha256[:], w.TlsControlSpkiSha256)
	copy(d.TlsDataSpkiSha256[:], w.TlsDataSpkiSha256)
	if len(w.Signature) != 64 {
		return nil, fmt.Errorf("descriptor: wrong signature length %d", len(w.Signature))
	}
	copy(d.Signature[:], w.Signature)
	d.ControlSigningPublicKeys = w.ControlSigningPublicKeys

	for _, e := range w.Endpoints {
		d.Endpoints = append(d.Endpoints, Endpoint{
			TransportKind: TransportKind(e.TransportKind),
			Host:          e.Host,
			Port:          e.Port,
			Scope:         Scope(e.Scope),
			Preference:    e.Preference,
			Cost:          e.Cost,
			ValidFrom:     e.ValidFrom,
			ValidTo:       e.ValidTo,
		})
	}
	return d, nil
}
