package certstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, []byte("s3cret"))
	require.NoError(t, err)

	cert1, err := store.LoadOrCreate(PlaneControl, "node.mesh", 5*365*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, cert1.Leaf)

	_, err = store.LoadOrCreate(PlaneData, "node.mesh", 5*365*24*time.Hour)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "mesh-overlay-control.pfx"))
	assert.FileExists(t, filepath.Join(dir, "mesh-overlay-data.pfx"))

	store2, err := NewStore(dir, []byte("s3cret"))
	require.NoError(t, err)
	cert2, err := store2.LoadOrCreate(PlaneControl, "node.mesh", 5*365*24*time.Hour)
	require.NoError(t, err)

	h1, err := SpkiSha256(cert1.Leaf)
	require.NoError(t, err)
	h2, err := SpkiSha256(cert2.Leaf)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "reloading a persisted certificate must yield the same SPKI hash")
}

func TestSpkiSha256_DeterministicForSameCertificate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	cert, err := store.LoadOrCreate(PlaneControl, "a.mesh", time.Hour)
	require.NoError(t, err)

	h1, err := SpkiSha256(cert.Leaf)
	require.NoError(t, err)
	h2, err := SpkiSha256(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
