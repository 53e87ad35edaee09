package envelope

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle codec.MsgpackHandle

// wireEnvelope is the flat, msgpack-friendly shape an Envelope is framed as
// on the wire, mirroring descriptor.wireDescriptor's separation between the
// in-memory type and its serialized form.
type wireEnvelope struct {
	Type        string
	TimestampMs uint64
	MessageId   []byte
	SignerKeyId []byte
	Payload     []byte
	Signature   []byte
}

// EncodeWire serializes e for transmission over a session stream.
func EncodeWire(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		Type:        string(e.Type),
		TimestampMs: e.TimestampMs,
		MessageId:   e.MessageId[:],
		SignerKeyId: e.SignerKeyId,
		Payload:     e.Payload,
		Signature:   e.Signature[:],
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(&w); err != nil {
		return nil, fmt.Errorf("envelope: msgpack encode: %w", err)
	}
	return out, nil
}

// DecodeWire deserializes an Envelope previously produced by EncodeWire.
func DecodeWire(data []byte) (*Envelope, error) {
	var w wireEnvelope
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("envelope: msgpack decode: %w", err)
	}
	if len(w.MessageId) != 16 {
		return nil, fmt.Errorf("envelope: wrong MessageId length %d", len(w.MessageId))
	}
	if len(w.Signature) != 64 {
		return nil, fmt.Errorf("envelope: wrong Signature length %d", len(w.Signature))
	}
	e := &Envelope{
		Type:        Type(w.Type),
		TimestampMs: w.TimestampMs,
		SignerKeyId: w.SignerKeyId,
		Payload:     w.Payload,
	}
	copy(e.MessageId[:], w.MessageId)
	copy(e.Signature[:], w.Signature)
	return e, nil
}
