// Package certstore persists per-plane TLS certificates and maintains the
// SPKI pin registry that authorizes a peer's TLS endpoint. Certificate
// generation prefers ECDSA P-256 and falls back to RSA-2048; material is
// persisted as PKCS#12.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"software.sslmate.com/src/go-pkcs12"
)

// Plane identifies which QUIC plane a certificate belongs to.
type Plane string

const (
	PlaneControl Plane = "control"
	PlaneData    Plane = "data"
)

// Cert bundles an X.509 certificate with its private key, ready for use as
// a tls.Certificate via AsTLS.
type Cert struct {
	Leaf       *x509.Certificate
	PrivateKey interface{}
	DER        []byte
}

// Store persists per-plane certificates as PKCS#12 blobs (mode 0600) and
// regenerates them on first use; certificates are long-validity (default
// 5 years) and are only rotated by explicit operator action.
type Store struct {
	dir      string
	password []byte
	log      *logrus.Entry
}

// NewStore opens (creating if needed) a certificate store rooted at dir.
// password encrypts the PKCS#12 blobs at rest; pass nil for no password
// (some pkcs12 consumers require a non-empty password — an empty string is
// used in that case, matching common PKCS#12 tooling convention).
func NewStore(dir string, password []byte) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("certstore: mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		password: password,
		log:      logrus.WithField("component", "certstore"),
	}, nil
}

func (s *Store) pfxPath(plane Plane) string {
	return filepath.Join(s.dir, fmt.Sprintf("mesh-overlay-%s.pfx", plane))
}

// LoadOrCreate loads the persisted certificate for plane, generating and
// persisting a new one (CN=cn, NotAfter=now+validity) if none exists yet.
func (s *Store) LoadOrCreate(plane Plane, cn string, validity time.Duration) (*Cert, error) {
	path := s.pfxPath(plane)
	log := s.log.WithFields(logrus.Fields{"plane": plane, "path": path})

	if data, err := os.ReadFile(path); err == nil {
		cert, loadErr := s.decode(data)
		if loadErr == nil {
			log.Info("loaded existing certificate")
			return cert, nil
		}
		log.WithError(loadErr).Warn("stored certificate is unreadable; regenerating")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("certstore: reading %s: %w", path, err)
	}

	cert, err := generate(cn, validity)
	if err != nil {
		return nil, err
	}
	if err := s.persist(plane, cert); err != nil {
		return nil, err
	}
	log.Info("generated and persisted new certificate")
	return cert, nil
}

func generate(cn string, validity time.Duration) (*Cert, error) {
	priv, pub, err := generateKey()
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certstore: serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("certstore: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certstore: parse freshly created certificate: %w", err)
	}

	return &Cert{Leaf: leaf, PrivateKey: priv, DER: der}, nil
}

// generateKey prefers ECDSA P-256; any failure (e.g. an entropy-constrained
// environment that rejects the curve operation) falls back to RSA-2048.
func generateKey() (priv, pub interface{}, err error) {
	if ecKey, ecErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader); ecErr == nil {
		return ecKey, &ecKey.PublicKey, nil
	}
	rsaKey, rsaErr := rsa.GenerateKey(rand.Reader, 2048)
	if rsaErr != nil {
		return nil, nil, fmt.Errorf("certstore: both ECDSA and RSA key generation failed: %w", rsaErr)
	}
	return rsaKey, &rsaKey.PublicKey, nil
}

func (s *Store) persist(plane Plane, cert *Cert) error {
	pfxData, err := pkcs12.Encode(rand.Reader, cert.PrivateKey, cert.Leaf, nil, string(s.password))
	if err != nil {
		return fmt.Errorf("certstore: pkcs12 encode: %w", err)
	}
	path := s.pfxPath(plane)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pfxData, 0o600); err != nil {
		return fmt.Errorf("certstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("certstore: rename into place: %w", err)
	}
	return nil
}

func (s *Store) decode(data []byte) (*Cert, error) {
	priv, leaf, _, err := pkcs12.DecodeChain(data, string(s.password))
	if err != nil {
		return nil, fmt.Errorf("certstore: pkcs12 decode: %w", err)
	}
	if leaf == nil {
		return nil, errors.New("certstore: pkcs12 blob has no leaf certificate")
	}
	return &Cert{Leaf: leaf, PrivateKey: priv, DER: leaf.Raw}, nil
}

// SpkiSha256 computes the SHA-256 of the certificate's exported
// SubjectPublicKeyInfo bytes. Deriving the hash from the re-marshaled SPKI
// (rather than from the raw certificate) keeps the hash stable across
// certificates signed with different key types for the same logical key,
// and is what both ends independently recompute to agree on a pin.
func SpkiSha256(leaf *x509.Certificate) ([32]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("certstore: marshal SPKI: %w", err)
	}
	return sha256.Sum256(spki), nil
}
