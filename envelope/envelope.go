// Package envelope implements the ControlEnvelope wire format, its
// canonical signing encoding, and peer-bound verification with replay and
// clock-skew defence.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the envelope's message kind.
type Type string

const (
	TypeHello     Type = "HELLO"
	TypeReqDelta  Type = "REQDELTA"
	TypePushDelta Type = "PUSHDELTA"
	TypeAck       Type = "ACK"
	TypeReqKey    Type = "REQKEY"
	TypeRespKey   Type = "RESPKEY"
	TypeReqChunk  Type = "REQCHUNK"
	TypeRespChunk Type = "RESPCHUNK"
)

// MaxPayloadBytes is the per-envelope payload cap, enforced before any
// deserialization is attempted.
const MaxPayloadBytes = 64 * 1024

// ClockSkewTolerance is the hard replay/time window: envelopes outside it
// are never accepted, retried, or buffered.
const ClockSkewTolerance = 2 * time.Minute

// Envelope is the unit of authenticated control-plane message exchange.
type Envelope struct {
	Type        Type
	TimestampMs uint64
	MessageId   [16]byte
	SignerKeyId []byte // optional hint; empty if unset
	Payload     []byte
	Signature   [64]byte
}

// New constructs an unsigned envelope with a fresh random MessageId and
// TimestampMs = now.
func New(typ Type, payload []byte) *Envelope {
	return &Envelope{
		Type:        typ,
		TimestampMs: uint64(time.Now().UnixMilli()),
		MessageId:   uuid.New(),
		Payload:     payload,
	}
}

// Canonical encodes {Type | TimestampMs | MessageId | Payload} in the
// fixed, length-prefixed order the signature covers.
func Canonical(e *Envelope) []byte {
	var buf bytes.Buffer
	writeBytes(&buf, []byte(e.Type))
	writeUint64(&buf, e.TimestampMs)
	buf.Write(e.MessageId[:])
	writeBytes(&buf, e.Payload)
	return buf.Bytes()
}

// Sign canonicalizes e and signs it with sign (e.g. the active control
// signing key), setting e.Signature and optionally e.SignerKeyId.
func Sign(e *Envelope, sign func([]byte) []byte, signerKeyId []byte) {
	sig := sign(Canonical(e))
	copy(e.Signature[:], sig)
	e.SignerKeyId = signerKeyId
}

// VerifyAgainstKeys tries each of allowedKeys in turn, succeeding on the
// first Ed25519 match. This is the peer-bound allowed-control-signing-keys
// check; expired-but-in-overlap keys are the caller's responsibility to
// include in allowedKeys.
func VerifyAgainstKeys(e *Envelope, allowedKeys [][]byte) bool {
	msg := Canonical(e)
	for _, k := range allowedKeys {
		if len(k) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(k, msg, e.Signature[:]) {
			return true
		}
	}
	return false
}

// CheckTimestamp enforces the hard clock-skew bound: envelopes more than
// ClockSkewTolerance away from nowMs are rejected outright.
func CheckTimestamp(e *Envelope, nowMs uint64) bool {
	var delta int64
	if e.TimestampMs > nowMs {
		delta = int64(e.TimestampMs - nowMs)
	} else {
		delta = int64(nowMs - e.TimestampMs)
	}
	return delta <= ClockSkewTolerance.Milliseconds()
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
var ErrPayloadTooLarge = fmt.Errorf("envelope: payload exceeds %d bytes", MaxPayloadBytes)

// CheckSize enforces the payload size cap before any deserialization is
// attempted.
func CheckSize(e *Envelope) error {
	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
