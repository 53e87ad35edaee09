package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := New(TypeHello, []byte("payload"))
	Sign(e, func(data []byte) []byte { return ed25519.Sign(priv, data) }, []byte("key-hint"))

	data, err := EncodeWire(e)
	require.NoError(t, err)

	got, err := DecodeWire(data)
	require.NoError(t, err)

	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.TimestampMs, got.TimestampMs)
	assert.Equal(t, e.MessageId, got.MessageId)
	assert.Equal(t, e.SignerKeyId, got.SignerKeyId)
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, e.Signature, got.Signature)
	assert.True(t, VerifyAgainstKeys(got, [][]byte{pub}))
}

func TestDecodeWireRejectsMalformedInput(t *testing.T) {
	_, err := DecodeWire([]byte("not msgpack"))
	assert.Error(t, err)
}
