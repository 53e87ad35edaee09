package descriptor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/internal/clock"
	"github.com/opd-ai/meshcore/meshiface"
)

const defaultDescriptorTTL = 5 * time.Minute

// maxDescriptorBlobBytes caps a fetched DHT value before any decoding is
// attempted; a descriptor is a few KiB at most, so anything near the cap
// is garbage or an attack.
const maxDescriptorBlobBytes = 1 << 20

type cacheEntry struct {
	descriptor *Descriptor
	fetchedAt  time.Time
}

// Directory publishes the local node's descriptor to the DHT and resolves
// remote descriptors by PeerId, with a bounded-TTL verified cache.
type Directory struct {
	dht   meshiface.DHTClient
	clock clock.Provider
	ttl   time.Duration
	log   *logrus.Entry

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewDirectory builds a Directory over dht. ttl of zero uses the default
// of 5 minutes.
func NewDirectory(dht meshiface.DHTClient, ttl time.Duration, cp clock.Provider) *Directory {
	if ttl == 0 {
		ttl = defaultDescriptorTTL
	}
	return &Directory{
		dht:   dht,
		clock: clock.Or(cp),
		ttl:   ttl,
		log:   logrus.WithField("component", "descriptor.directory"),
		cache: make(map[string]cacheEntry),
	}
}

// Publish signs d's canonical form is assumed to already be done by the
// caller (Sign); Publish only validates and writes to the DHT under
// d.PeerId, with a fixed republish TTL matching the 15-minute periodic
// refresh interval.
func (d *Directory) Publish(ctx context.Context, desc *Descriptor) error {
	if err := Verify(desc); err != nil {
		return fmt.Errorf("descriptor: refusing to publish invalid descriptor: %w", err)
	}
	wire, err := EncodeWire(desc)
	if err != nil {
		return err
	}
	const republishTTL = int64(15 * time.Minute / time.Second)
	if err := d.dht.Put(ctx, desc.PeerId, wire, republishTTL); err != nil {
		return fmt.Errorf("descriptor: DHT put: %w", err)
	}
	d.log.WithField("peer_id", desc.PeerId).Info("published descriptor")
	return nil
}

// Fetch resolves peerId's descriptor, preferring a fresh cache entry,
// verifying signature and PeerId binding on every DHT fetch.
func (d *Directory) Fetch(ctx context.Context, peerId string) (*Descriptor, error) {
	if cached, ok := d.fromCache(peerId); ok {
		return cached, nil
	}

	raw, err := d.dht.Get(ctx, peerId)
	if err != nil {
		return nil, fmt.Errorf("descriptor: DHT get %s: %w", peerId, err)
	}
	if len(raw) > maxDescriptorBlobBytes {
		return nil, fmt.Errorf("descriptor: DHT value for %s is %d bytes, over the %d cap", peerId, len(raw), maxDescriptorBlobBytes)
	}
	desc, err := DecodeWire(raw)
	if err != nil {
		return nil, fmt.Errorf("descriptor: decode %s: %w", peerId, err)
	}
	if err := Verify(desc); err != nil {
		return nil, fmt.Errorf("descriptor: verify %s: %w", peerId, err)
	}
	if desc.PeerId != peerId {
		return nil, fmt.Errorf("descriptor: fetched descriptor PeerId %q does not match requested %q", desc.PeerId, peerId)
	}

	d.mu.Lock()
	d.cache[peerId] = cacheEntry{descriptor: desc, fetchedAt: d.clock.Now()}
	d.mu.Unlock()
	return desc, nil
}

func (d *Directory) fromCache(peerId string) (*Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.cache[peerId]
	if !ok {
		return nil, false
	}
	if d.clock.Since(entry.fetchedAt) > d.ttl {
		return nil, false
	}
	return entry.descriptor, true
}

// Invalidate drops any cached descriptor for peerId, forcing the next
// Fetch to go to the DHT. Used after an endpoint change is detected.
func (d *Directory) Invalidate(peerId string) {
	d.mu.Lock()
	delete(d.cache, peerId)
	d.mu.Unlock()
}
