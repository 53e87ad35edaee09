package descriptor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDHT struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newMemDHT() *memDHT { return &memDHT{store: make(map[string][]byte)} }

func (m *memDHT) Put(_ context.Context, key string, value []byte, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	return nil
}

func (m *memDHT) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func TestDirectory_PublishThenFetch(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	dht := newMemDHT()
	dir := NewDirectory(dht, 0, nil)

	require.NoError(t, dir.Publish(context.Background(), d))

	fetched, err := dir.Fetch(context.Background(), d.PeerId)
	require.NoError(t, err)
	assert.Equal(t, d.PeerId, fetched.PeerId)
}

func TestDirectory_RejectsTamperedDHTValue(t *testing.T) {
	d, _, _ := newSignedDescriptor(t)
	dht := newMemDHT()
	dir := NewDirectory(dht, 0, nil)
	require.NoError(t, dir.Publish(context.Background(), d))

	raw, _ := dht.Get(context.Background(), d.PeerId)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, dht.Put(context.Background(), d.PeerId, raw, 0))

	dir.Invalidate(d.PeerId)
	_, err := dir.Fetch(context.Background(), d.PeerId)
	assert.Error(t, err)
}
