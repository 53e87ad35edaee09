// Package hashgossip implements the epidemic delta-sync of a content-hash
// database between mesh peers: a per-peer sync state
// machine, entry validation (structural, consistency, optional
// proof-of-possession), rolling-window rate limiting with quarantine,
// reputation integration, k-of-n consensus lookup, and the chunk-serving
// request handler.
//
// The fan-out policy is epidemic *pull*: new entries only move when a peer
// asks for a delta, never pushed unsolicited, bounding bandwidth and
// denying a malicious node an amplification vector.
package hashgossip

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opd-ai/meshcore/meshiface"
)

// MaxFlacKeyLen bounds FlacKey length.
const MaxFlacKeyLen = 256

// flacKeyPattern is the allowed alphabet for FlacKey. Together with the
// ".." segment check in ValidateStructural it rules out path-traversal-shaped
// strings without knowing the host's share-path convention (the actual
// traversal defence lives in the external PathResolver, not here).
var flacKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._\-\/]{1,256}$`)

var byteHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Entry is one row of the content-hash database as handled by this
// package; it mirrors meshiface.HashEntry field-for-field so gossip logic
// never has to convert back and forth with the host's HashDbService.
type Entry struct {
	SeqId     int64
	FlacKey   string
	ByteHash  string
	Size      int64
	MetaFlags int
}

func fromIface(e meshiface.HashEntry) Entry {
	return Entry{SeqId: e.SeqId, FlacKey: e.FlacKey, ByteHash: e.ByteHash, Size: e.Size, MetaFlags: e.MetaFlags}
}

func (e Entry) toIface() meshiface.HashEntry {
	return meshiface.HashEntry{SeqId: e.SeqId, FlacKey: e.FlacKey, ByteHash: e.ByteHash, Size: e.Size, MetaFlags: e.MetaFlags}
}

// ErrStructural is returned when an entry fails the structural validation
// step: malformed FlacKey/ByteHash, or Size outside bounds.
var ErrStructural = errors.New("hashgossip: entry fails structural validation")

// ErrConflictingSize is returned when an incoming entry shares a
// (FlacKey, ByteHash) pair with a previously-seen entry but disagrees on
// Size.
var ErrConflictingSize = errors.New("hashgossip: conflicting Size for existing (FlacKey, ByteHash)")

// ValidateStructural checks FlacKey, ByteHash and Size against their
// structural bounds. sizeCap is the configured maximum Size, 0 meaning
// unbounded.
func ValidateStructural(e Entry, sizeCap int64) error {
	if !flacKeyPattern.MatchString(e.FlacKey) || len(e.FlacKey) > MaxFlacKeyLen {
		return fmt.Errorf("%w: invalid FlacKey", ErrStructural)
	}
	for _, seg := range strings.Split(e.FlacKey, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: FlacKey contains a parent-directory segment", ErrStructural)
		}
	}
	if !byteHashPattern.MatchString(e.ByteHash) {
		return fmt.Errorf("%w: ByteHash must be 64 lowercase hex characters", ErrStructural)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: Size must be >= 0", ErrStructural)
	}
	if sizeCap > 0 && e.Size > sizeCap {
		return fmt.Errorf("%w: Size %d exceeds cap %d", ErrStructural, e.Size, sizeCap)
	}
	if e.SeqId < 0 {
		return fmt.Errorf("%w: SeqId must be >= 0", ErrStructural)
	}
	return nil
}

// ConsistencySet tracks (FlacKey, ByteHash) -> Size pairs already accepted
// into the local database, used for step 2's duplicate-with-conflicting-Size
// check. It is intentionally a thin, caller-owned lookup: the gossip
// package does not own the hash database, only consults it.
type ConsistencySet interface {
	// SizeFor returns the recorded Size for (flacKey, byteHash), or
	// ok=false if the pair has not been seen before.
	SizeFor(flacKey, byteHash string) (size int64, ok bool)
}

// ValidateConsistency checks step 2: a (FlacKey, ByteHash) pair already in
// known must agree on Size.
func ValidateConsistency(e Entry, known ConsistencySet) error {
	if existing, ok := known.SizeFor(e.FlacKey, e.ByteHash); ok && existing != e.Size {
		return ErrConflictingSize
	}
	return nil
}

// PrefixHashMatches implements the proof-of-possession check: given the
// first bytes of a file as returned by the claimant and an expected
// prefix hash, it reports whether SHA-256(prefix), hex-encoded, equals
// expectedPrefixHash. Any two holders of the same file return the same
// first bytes and so the same prefix hash. The expected value is not
// derived from the file's full ByteHash (SHA-256 offers no way to do
// that); the caller must already hold it, from a prior full download or
// a trusted source.
func PrefixHashMatches(prefix []byte, expectedPrefixHash string) bool {
	sum := sha256.Sum256(prefix)
	return hex.EncodeToString(sum[:]) == expectedPrefixHash
}
