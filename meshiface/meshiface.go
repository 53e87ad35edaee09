// Package meshiface declares the narrow collaborator interfaces the mesh
// core consumes but does not implement: the DHT, the hash database, the
// share-path resolver, and the optional reputation system. The host
// program supplies concrete implementations; meshcore only ever depends
// on the interface.
package meshiface

import "context"

// DHTClient is the distributed hash table collaborator used by
// PeerDirectory to publish and fetch signed peer descriptors.
type DHTClient interface {
	// Put stores value under key with the given time-to-live.
	Put(ctx context.Context, key string, value []byte, ttl int64) error
	// Get fetches the value stored under key. Returns an error if absent.
	Get(ctx context.Context, key string) ([]byte, error)
}

// HashEntry is the wire shape of one row of the content-hash database, as
// seen by the HashDbService collaborator. It mirrors hashgossip.Entry
// field-for-field; the duplication exists so this package stays free of a
// dependency on hashgossip (the collaborator interface must not import the
// component that consumes it).
type HashEntry struct {
	SeqId     int64
	FlacKey   string
	ByteHash  string
	Size      int64
	MetaFlags int
}

// HashDbService is the local content-hash database collaborator.
type HashDbService interface {
	// CurrentSeqId returns the database's current high-water mark.
	CurrentSeqId() int64
	// EntriesSince returns up to maxEntries entries with SeqId > sinceSeqId,
	// ordered ascending by SeqId.
	EntriesSince(sinceSeqId int64, maxEntries int) ([]HashEntry, error)
	// Lookup returns the entry for flacKey, or ok=false if absent.
	Lookup(flacKey string) (entry HashEntry, ok bool, err error)
	// Merge idempotently inserts entries, skipping duplicates by
	// (FlacKey, ByteHash, Size), and returns the count actually merged.
	Merge(entries []HashEntry) (mergedCount int, err error)
}

// PathResolver resolves a FlacKey to a filesystem path rooted under the
// configured share root. Symlink-escape and path-traversal defence is the
// resolver's responsibility; meshcore treats ok == false as "not found".
type PathResolver interface {
	ResolvePath(flacKey string) (path string, ok bool, err error)
}

// PeerReputation is the optional reputation collaborator. A nil
// PeerReputation is valid everywhere this interface is accepted: all mesh
// components must treat a nil reputation collaborator as "no opinion".
type PeerReputation interface {
	IsUntrusted(peerId string) bool
	RecordProtocolViolation(peerId string, reason string)
	RecordMalformedMessage(peerId string)
}
