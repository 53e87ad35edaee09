package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/meshcore/descriptor"
)

// AnonDialerConfig configures a Tor or I2P SOCKS5 dialer.
type AnonDialerConfig struct {
	Kind        AnonKind
	SocksHost   string
	SocksPort   uint16
	// StreamIsolationSecret seeds the per-peer credential derivation; it
	// should be a long-lived local secret, not peer-controlled.
	StreamIsolationSecret []byte
}

// AnonKind is the anonymizing network a dialer targets.
type AnonKind string

const (
	AnonTor AnonKind = "tor"
	AnonI2P AnonKind = "i2p"
)

// AnonDialer dials .onion/.i2p endpoints through a local SOCKS5 proxy,
// deriving a distinct per-peer username/password so the proxy assigns a
// distinct circuit per peer, and never
// resolving hostnames locally — every hostname is handed to the SOCKS5
// remote-resolve path.
type AnonDialer struct {
	cfg AnonDialerConfig
	log *logrus.Entry
}

// NewAnonDialer validates cfg and returns a ready-to-use dialer.
func NewAnonDialer(cfg AnonDialerConfig) (*AnonDialer, error) {
	if cfg.Kind != AnonTor && cfg.Kind != AnonI2P {
		return nil, fmt.Errorf("transport: unsupported anonymizing kind %q", cfg.Kind)
	}
	if len(cfg.StreamIsolationSecret) == 0 {
		return nil, fmt.Errorf("transport: StreamIsolationSecret must not be empty")
	}
	return &AnonDialer{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "transport.anon_dialer", "kind": cfg.Kind}),
	}, nil
}

// isolationCredential deterministically derives a SOCKS5 username/password
// pair from peerId so that two concurrent dials to different peers get
// distinct circuits, while dials to the *same*
// peer reuse a circuit.
func (d *AnonDialer) isolationCredential(peerId string) (user, pass string) {
	mac := hmac.New(sha256.New, d.cfg.StreamIsolationSecret)
	mac.Write([]byte(peerId))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:16]), hex.EncodeToString(sum[16:])
}

// Dial connects to host:port for peerId, which must already have passed
// ValidateHost for the dialer's kind. The hostname is never resolved
// locally: it is forwarded as-is to the SOCKS5 proxy's remote-resolve path.
func (d *AnonDialer) Dial(peerId, host string, port uint16) (net.Conn, error) {
	kind := descriptor.TransportTorQUIC
	if d.cfg.Kind == AnonI2P {
		kind = descriptor.TransportI2PQUIC
	}
	if err := ValidateHost(kind, host, nil); err != nil {
		return nil, fmt.Errorf("transport: anon dial refused: %w", err)
	}

	user, pass := d.isolationCredential(peerId)
	socksAddr := fmt.Sprintf("%s:%d", d.cfg.SocksHost, d.cfg.SocksPort)
	dialer, err := proxy.SOCKS5("tcp", socksAddr, &proxy.Auth{User: user, Password: pass}, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: building SOCKS5 dialer: %w", err)
	}

	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	d.log.WithFields(logrus.Fields{"peer_id": peerId, "target": target}).Debug("dialing via SOCKS5 remote resolution")

	// net.JoinHostPort with a non-IP host is intentionally passed through
	// to the SOCKS5 dialer verbatim: golang.org/x/net/proxy's SOCKS5
	// client always uses the SOCKS5 "domain name" address type for
	// non-IP targets, which the proxy resolves remotely. The local
	// resolver (net.Resolver / net.LookupHost) is never invoked for host.
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("transport: SOCKS5 dial to %s: %w", target, err)
	}
	return conn, nil
}
