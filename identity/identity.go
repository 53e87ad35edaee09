// Package identity persists a node's stable Ed25519 identity and derives
// its PeerId. The identity keypair is generated once on first startup and
// never rotated; losing it means losing the node's address in the mesh, so
// the store refuses to silently regenerate on a corrupt file unless the
// operator opts in explicitly.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations follows NIST SP 800-132's minimum recommendation for
// PBKDF2-HMAC-SHA256 at rest; raising it trades startup latency for
// brute-force resistance against a stolen identity file.
const pbkdf2Iterations = 100_000

const (
	pbkdf2KeyLen = 32 // AES-256
	saltSize     = 16
	gcmNonceSize = 12
)

// ErrIdentityCorrupt is returned by Load when the identity file exists but
// cannot be parsed, and AllowRegenerate was not set.
var ErrIdentityCorrupt = errors.New("identity: stored identity file is corrupt; refusing to start (set AllowRegenerate to regenerate)")

// ErrWrongPassphrase is returned by Load when an encrypted identity file
// cannot be opened with the supplied passphrase.
var ErrWrongPassphrase = errors.New("identity: passphrase does not match encrypted identity file")

// record is the on-disk shape of the identity file. When SaltB64 is set,
// PrivateKeyB64 holds base64(nonce || AES-256-GCM-sealed private key)
// rather than the raw key, and a passphrase is required to open it.
type record struct {
	PublicKeyB64  string `json:"public_key_b64"`
	PrivateKeyB64 string `json:"private_key_b64"`
	SaltB64       string `json:"salt_b64,omitempty"`
	CreatedMs     int64  `json:"created_ms"`
}

// deriveKey runs PBKDF2-HMAC-SHA256 over passphrase and salt, producing an
// AES-256 key.
func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// sealPrivateKey encrypts priv with AES-256-GCM under a key derived from
// passphrase and a freshly generated salt, returning the nonce-prefixed
// ciphertext and the salt, both base64-encoded for the record.
func sealPrivateKey(priv ed25519.PrivateKey, passphrase []byte) (sealedB64, saltB64 string, err error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("identity: generating salt: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", "", fmt.Errorf("identity: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("identity: gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("identity: generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, priv, nil)
	return base64Encode(sealed), base64Encode(salt), nil
}

// openPrivateKey reverses sealPrivateKey. It returns ErrWrongPassphrase if
// GCM authentication fails, since that is indistinguishable from a wrong
// passphrase without leaking which.
func openPrivateKey(rec record, passphrase []byte) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(rec.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("identity: decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("identity: decode sealed private key: %w", err)
	}
	if len(sealed) < gcmNonceSize {
		return nil, fmt.Errorf("identity: sealed private key too short")
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("identity: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	priv, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return priv, nil
}

// Store is a single-purpose identity store: generate-once, sign-forever.
// It is safe for concurrent use; signing is always invoked behind the
// store rather than by copying the private key out to callers.
type Store struct {
	path       string
	public     ed25519.PublicKey
	private    ed25519.PrivateKey
	peerID     string
	createdMs  int64
	passphrase []byte // nil: private key is stored unencrypted
	log        *logrus.Entry
}

// Options controls Load's behaviour.
type Options struct {
	// Path is the identity file location (e.g. "mesh-identity.key").
	Path string
	// AllowRegenerate permits Load to overwrite a corrupt or unreadable
	// identity file with a freshly generated one. Default false: refuse
	// to start, to prevent silent identity loss.
	AllowRegenerate bool
	// Passphrase, if set, encrypts the private key at rest with
	// PBKDF2-derived AES-256-GCM. Leave nil to persist the key
	// unencrypted (the default).
	Passphrase []byte
}

// Load opens the identity store at opts.Path, creating a new Ed25519
// identity on first use. On a corrupt file it returns ErrIdentityCorrupt
// unless opts.AllowRegenerate is set.
func Load(opts Options) (*Store, error) {
	log := logrus.WithFields(logrus.Fields{"component": "identity", "path": opts.Path})

	data, err := os.ReadFile(opts.Path)
	switch {
	case err == nil:
		st, parseErr := parseRecord(data, opts.Passphrase)
		if parseErr == nil {
			st.path = opts.Path
			st.log = log
			st.passphrase = clonePassphrase(opts.Passphrase)
			log.Info("loaded existing identity")
			return st, nil
		}
		if errors.Is(parseErr, ErrWrongPassphrase) {
			return nil, parseErr
		}
		log.WithError(parseErr).Warn("identity file is corrupt")
		if !opts.AllowRegenerate {
			return nil, ErrIdentityCorrupt
		}
		log.Warn("AllowRegenerate set; regenerating identity (previous identity is lost)")
	case os.IsNotExist(err):
		log.Info("no identity file found; generating new identity")
	default:
		return nil, fmt.Errorf("identity: reading %s: %w", opts.Path, err)
	}

	st, err := generate()
	if err != nil {
		return nil, err
	}
	st.path = opts.Path
	st.log = log
	st.passphrase = clonePassphrase(opts.Passphrase)
	if err := st.persist(); err != nil {
		return nil, err
	}
	log.WithField("peer_id", st.peerID).Info("generated and persisted new identity")
	return st, nil
}

// clonePassphrase copies the caller's passphrase bytes so the Store owns
// its own memory to wipe on Close, rather than aliasing a slice the caller
// might reuse or zero independently.
func clonePassphrase(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}

func generate() (*Store, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation: %w", err)
	}
	return &Store{
		public:    pub,
		private:   priv,
		peerID:    derivePeerID(pub),
		createdMs: time.Now().UnixMilli(),
	}, nil
}

func parseRecord(data []byte, passphrase []byte) (*Store, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal identity record: %w", err)
	}
	pubRaw, err := decodeKey(rec.PublicKeyB64, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	var privRaw []byte
	if rec.SaltB64 != "" {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("identity: identity file is passphrase-encrypted but no passphrase was supplied")
		}
		privRaw, err = openPrivateKey(rec, passphrase)
		if err != nil {
			return nil, err
		}
	} else {
		privRaw, err = decodeKey(rec.PrivateKeyB64, ed25519.PrivateKeySize)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
	}
	priv := ed25519.PrivateKey(privRaw)
	pub := ed25519.PublicKey(pubRaw)
	if subtle.ConstantTimeCompare(priv.Public().(ed25519.PublicKey), pub) != 1 {
		return nil, errors.New("public key does not match private key")
	}
	return &Store{
		public:    pub,
		private:   priv,
		peerID:    derivePeerID(pub),
		createdMs: rec.CreatedMs,
	}, nil
}

func decodeKey(encoded string, want int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("wrong key length: got %d want %d", len(raw), want)
	}
	return raw, nil
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (s *Store) persist() error {
	rec := record{
		PublicKeyB64: base64Encode(s.public),
		CreatedMs:    s.createdMs,
	}
	if len(s.passphrase) > 0 {
		sealedB64, saltB64, err := sealPrivateKey(s.private, s.passphrase)
		if err != nil {
			return fmt.Errorf("identity: sealing private key: %w", err)
		}
		rec.PrivateKeyB64 = sealedB64
		rec.SaltB64 = saltB64
	} else {
		rec.PrivateKeyB64 = base64Encode(s.private)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("identity: mkdir %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	return nil
}

// PublicKey returns the node's Ed25519 public key.
func (s *Store) PublicKey() ed25519.PublicKey {
	cp := make(ed25519.PublicKey, len(s.public))
	copy(cp, s.public)
	return cp
}

// PeerId returns the stable hex(SHA256(pubkey)) identifier for this node.
func (s *Store) PeerId() string {
	return s.peerID
}

// Sign signs data with the node's private key. The private key never
// leaves the store raw; callers only ever get a signature out.
func (s *Store) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

// Close wipes the in-memory private key and passphrase. The Store must
// not be used after Close.
func (s *Store) Close() {
	wipe(s.private)
	wipe(s.passphrase)
	runtime.KeepAlive(s.private)
	runtime.KeepAlive(s.passphrase)
}

func derivePeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// VerifyPeerIDBinding checks that peerID == hex(sha256(pubkey)), the
// binding every descriptor must satisfy.
func VerifyPeerIDBinding(peerID string, pub ed25519.PublicKey) bool {
	return subtle.ConstantTimeCompare([]byte(derivePeerID(pub)), []byte(peerID)) == 1
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
