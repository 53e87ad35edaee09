package certstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/internal/clock"
)

// PinSource records how a pin was learned.
type PinSource string

const (
	SourceDescriptor PinSource = "descriptor"
	SourceTOFU       PinSource = "tofu"
)

// Pin is a stored SPKI hash authorizing a TLS endpoint for a given peer
// plane, with optional rotation-overlap bookkeeping.
type Pin struct {
	Endpoint             string    `json:"endpoint"`
	Plane                Plane     `json:"plane"`
	SpkiHash             [32]byte  `json:"-"`
	SpkiHashB64          string    `json:"spki_sha256_b64"`
	LearnedAt            int64     `json:"learned_at_ms"`
	Source               PinSource `json:"source"`
	PreviousSpkiHash     *[32]byte `json:"-"`
	PreviousSpkiHashB64  string    `json:"previous_spki_sha256_b64,omitempty"`
	PreviousExpiresAtMs  int64     `json:"previous_expires_at_ms,omitempty"`
}

func (p *Pin) key() string { return pinKey(p.Endpoint, p.Plane) }

func pinKey(endpoint string, plane Plane) string {
	return string(plane) + "|" + endpoint
}

// PinStore is the persisted, rotation-aware pin registry. It is safe for
// concurrent use: reads take an RLock, writes take a Lock.
type PinStore struct {
	mu   sync.RWMutex
	pins map[string]*Pin

	path           string
	rotationWindow time.Duration // how long a new SPKI can coexist with the old one
	strict         bool          // true: TOFU disallowed, pin must be descriptor-sourced
	clock          clock.Provider
	log            *logrus.Entry

	mismatches atomic.Uint64
}

// PinStoreOptions configures a PinStore.
type PinStoreOptions struct {
	Path string
	// RotationWindow is how long the previous pin remains valid alongside
	// a newly-rotated one. Default 30 days.
	RotationWindow time.Duration
	// Strict requires every pin to be descriptor-sourced; TOFU pins are
	// rejected outright when true.
	Strict bool
	Clock  clock.Provider
}

// NewPinStore loads (or initializes) the pin store at opts.Path.
func NewPinStore(opts PinStoreOptions) (*PinStore, error) {
	if opts.RotationWindow == 0 {
		opts.RotationWindow = 30 * 24 * time.Hour
	}
	ps := &PinStore{
		pins:           make(map[string]*Pin),
		path:           opts.Path,
		rotationWindow: opts.RotationWindow,
		strict:         opts.Strict,
		clock:          clock.Or(opts.Clock),
		log:            logrus.WithField("component", "certstore.pins"),
	}
	if err := ps.load(); err != nil {
		ps.log.WithError(err).Warn("could not load pin store; starting fresh")
	}
	return ps, nil
}

func (ps *PinStore) load() error {
	data, err := os.ReadFile(ps.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("certstore: read pin store: %w", err)
	}
	var records []Pin
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("certstore: unmarshal pin store: %w", err)
	}
	for i := range records {
		rec := records[i]
		hash, err := decodeHash(rec.SpkiHashB64)
		if err != nil {
			continue
		}
		rec.SpkiHash = hash
		if rec.PreviousSpkiHashB64 != "" {
			if prev, err := decodeHash(rec.PreviousSpkiHashB64); err == nil {
				rec.PreviousSpkiHash = &prev
			}
		}
		ps.pins[rec.key()] = &rec
	}
	return nil
}

func (ps *PinStore) save() error {
	records := make([]Pin, 0, len(ps.pins))
	for _, p := range ps.pins {
		records = append(records, *p)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("certstore: marshal pin store: %w", err)
	}
	dir := filepath.Dir(ps.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("certstore: mkdir %s: %w", dir, err)
		}
	}
	tmp := ps.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("certstore: write pin store: %w", err)
	}
	if err := os.Rename(tmp, ps.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("certstore: rename pin store into place: %w", err)
	}
	return nil
}

// PinFor returns the pin recorded for endpoint/plane, if any.
func (ps *PinStore) PinFor(endpoint string, plane Plane) (current [32]byte, previous *[32]byte, ok bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, found := ps.pins[pinKey(endpoint, plane)]
	if !found {
		return [32]byte{}, nil, false
	}
	return p.SpkiHash, p.PreviousSpkiHash, true
}

// RecordPin records or rotates the pin for endpoint/plane.
//
// - No existing pin: the hash is recorded outright (source as given).
// - Existing pin, same hash: no-op (refresh LearnedAt only).
// - Existing pin, different hash, descriptor-sourced: rotates — the old
//   hash becomes "previous" and remains valid for RotationWindow.
// - Existing pin, different hash, TOFU: rejected (TOFU never silently
//   overrides an established pin; only a signed descriptor can rotate).
func (ps *PinStore) RecordPin(endpoint string, plane Plane, hash [32]byte, source PinSource) error {
	if ps.strict && source == SourceTOFU {
		return fmt.Errorf("certstore: strict mode forbids TOFU pin for %s/%s", endpoint, plane)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	key := pinKey(endpoint, plane)
	now := ps.clock.Now().UnixMilli()
	existing, found := ps.pins[key]

	switch {
	case !found:
		ps.pins[key] = &Pin{Endpoint: endpoint, Plane: plane, SpkiHash: hash, SpkiHashB64: encodeHash(hash), LearnedAt: now, Source: source}
	case existing.SpkiHash == hash:
		existing.LearnedAt = now
	case source == SourceTOFU:
		return fmt.Errorf("certstore: refusing to overwrite established pin for %s/%s via TOFU", endpoint, plane)
	default:
		prev := existing.SpkiHash
		existing.PreviousSpkiHash = &prev
		existing.PreviousSpkiHashB64 = encodeHash(prev)
		existing.PreviousExpiresAtMs = now + ps.rotationWindow.Milliseconds()
		existing.SpkiHash = hash
		existing.SpkiHashB64 = encodeHash(hash)
		existing.LearnedAt = now
		existing.Source = source
		ps.log.WithFields(logrus.Fields{"endpoint": endpoint, "plane": plane}).Info("rotated SPKI pin")
	}
	return ps.save()
}

// Matches reports whether hash satisfies the pin recorded for
// endpoint/plane: either the current pin, or the previous pin within its
// rotation-overlap window.
func (ps *PinStore) Matches(endpoint string, plane Plane, hash [32]byte) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, found := ps.pins[pinKey(endpoint, plane)]
	if !found {
		return false
	}
	if p.SpkiHash == hash {
		return true
	}
	if p.PreviousSpkiHash != nil && *p.PreviousSpkiHash == hash {
		now := ps.clock.Now().UnixMilli()
		if now < p.PreviousExpiresAtMs {
			return true
		}
	}
	ps.mismatches.Add(1)
	return false
}

// Mismatches returns how many pin checks have failed against an
// established pin since startup; exported to the monitoring facade.
func (ps *PinStore) Mismatches() uint64 {
	return ps.mismatches.Load()
}

func encodeHash(h [32]byte) string {
	return base64.StdEncoding.EncodeToString(h[:])
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("wrong hash length: %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
