package certstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestPinStore_FirstContactTOFU(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPinStore(PinStoreOptions{Path: filepath.Join(dir, "pins.json")})
	require.NoError(t, err)

	require.NoError(t, ps.RecordPin("peer.example:4433", PlaneControl, hashOf(1), SourceTOFU))
	assert.True(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(1)))
	assert.False(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(2)))
}

func TestPinStore_StrictRejectsTOFU(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPinStore(PinStoreOptions{Path: filepath.Join(dir, "pins.json"), Strict: true})
	require.NoError(t, err)

	err = ps.RecordPin("peer.example:4433", PlaneControl, hashOf(1), SourceTOFU)
	assert.Error(t, err)
}

func TestPinStore_TOFUCannotOverrideEstablishedPin(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPinStore(PinStoreOptions{Path: filepath.Join(dir, "pins.json")})
	require.NoError(t, err)

	require.NoError(t, ps.RecordPin("peer.example:4433", PlaneControl, hashOf(1), SourceDescriptor))
	err = ps.RecordPin("peer.example:4433", PlaneControl, hashOf(2), SourceTOFU)
	assert.Error(t, err)
	assert.True(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(1)))
}

func TestPinStore_DescriptorRotationOverlapWindow(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPinStore(PinStoreOptions{Path: filepath.Join(dir, "pins.json"), RotationWindow: time.Hour})
	require.NoError(t, err)

	require.NoError(t, ps.RecordPin("peer.example:4433", PlaneControl, hashOf(1), SourceDescriptor))
	require.NoError(t, ps.RecordPin("peer.example:4433", PlaneControl, hashOf(2), SourceDescriptor))

	assert.True(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(2)), "new pin must match")
	assert.True(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(1)), "old pin must still match during overlap window")
	assert.False(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(3)), "unrelated hash must not match")
}

func TestPinStore_MismatchCounter(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPinStore(PinStoreOptions{Path: filepath.Join(dir, "pins.json")})
	require.NoError(t, err)

	require.NoError(t, ps.RecordPin("peer.example:4433", PlaneControl, hashOf(1), SourceDescriptor))
	assert.True(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(1)))
	assert.Equal(t, uint64(0), ps.Mismatches())

	assert.False(t, ps.Matches("peer.example:4433", PlaneControl, hashOf(2)))
	assert.Equal(t, uint64(1), ps.Mismatches())
}

func TestPinStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pins.json")

	ps1, err := NewPinStore(PinStoreOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, ps1.RecordPin("a:1", PlaneData, hashOf(9), SourceDescriptor))

	ps2, err := NewPinStore(PinStoreOptions{Path: path})
	require.NoError(t, err)
	assert.True(t, ps2.Matches("a:1", PlaneData, hashOf(9)))
}
