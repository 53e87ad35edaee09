package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/certstore"
	"github.com/opd-ai/meshcore/descriptor"
)

// PlaneListener owns the QUIC listener for one plane (control or data) and
// verifies every accepted connection's leaf certificate against the local
// pin store before handing it to a caller.
type PlaneListener struct {
	plane    certstore.Plane
	listener *quic.Listener
	pins     *certstore.PinStore
	log      *logrus.Entry
}

// ListenConfig configures a PlaneListener.
type ListenConfig struct {
	Plane      certstore.Plane
	Cert       *certstore.Cert
	Pins       *certstore.PinStore
	ListenAddr string // e.g. "0.0.0.0:4433"
	QUICConfig *quic.Config
}

// Listen binds a UDP socket at cfg.ListenAddr and starts a QUIC listener
// presenting cfg.Cert.
func Listen(cfg ListenConfig) (*PlaneListener, error) {
	tlsCert := tls.Certificate{Certificate: [][]byte{cfg.Cert.DER}, PrivateKey: cfg.Cert.PrivateKey, Leaf: cfg.Cert.Leaf}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{"mesh-overlay/1"},
		ClientAuth:   tls.RequireAnyClientCert,
		// The mesh authenticates peers by SPKI pin, not by CA chain; client
		// certificates are self-signed and checked against the pin store
		// after Accept rather than through a PKI trust chain.
		InsecureSkipVerify: true,
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", cfg.ListenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", cfg.ListenAddr, err)
	}

	ln, err := quic.Listen(udpConn, tlsConf, cfg.QUICConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}

	return &PlaneListener{
		plane:    cfg.Plane,
		listener: ln,
		pins:     cfg.Pins,
		log:      logrus.WithFields(logrus.Fields{"component": "transport.quic", "plane": cfg.Plane}),
	}, nil
}

// Accept blocks for the next inbound connection, validates its peer
// certificate's SPKI against the pin store keyed by the connection's
// observed remote address (recording a TOFU pin on first contact), and
// returns the established connection along with that address. The TLS
// handshake and the pin check are complete by the time Accept returns, so
// a Throttle.AllowHandshake check on its result runs after that work.
func (pl *PlaneListener) Accept(ctx context.Context) (conn quic.Connection, remoteEndpoint string, err error) {
	conn, err = pl.listener.Accept(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("transport: accept: %w", err)
	}
	remoteEndpoint = conn.RemoteAddr().String()

	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		conn.CloseWithError(0, "")
		return nil, "", fmt.Errorf("transport: peer presented no certificate")
	}
	spki, err := certstore.SpkiSha256(state.PeerCertificates[0])
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, "", fmt.Errorf("transport: hashing peer SPKI: %w", err)
	}

	if _, _, known := pl.pins.PinFor(remoteEndpoint, pl.plane); !known {
		if err := pl.pins.RecordPin(remoteEndpoint, pl.plane, spki, certstore.SourceTOFU); err != nil {
			conn.CloseWithError(0, "")
			return nil, "", fmt.Errorf("transport: recording TOFU pin: %w", err)
		}
		pl.log.WithField("endpoint", remoteEndpoint).Info("established TOFU pin on first contact")
	} else if !pl.pins.Matches(remoteEndpoint, pl.plane, spki) {
		conn.CloseWithError(0, "")
		return nil, "", fmt.Errorf("transport: peer SPKI does not match pinned value for %s", remoteEndpoint)
	}

	return conn, remoteEndpoint, nil
}

// Close shuts down the listener and its underlying UDP socket.
func (pl *PlaneListener) Close() error {
	return pl.listener.Close()
}

// Addr returns the listener's local address.
func (pl *PlaneListener) Addr() net.Addr {
	return pl.listener.Addr()
}

// Dialer establishes outbound QUIC connections to a peer's advertised
// endpoints, selecting direct/Tor/I2P dialing per endpoint kind and
// enforcing the same pin verification Accept applies on the inbound side.
type Dialer struct {
	pins       *certstore.PinStore
	anonTor    *AnonDialer // nil if Tor is not configured locally
	anonI2P    *AnonDialer // nil if I2P is not configured locally
	quicConfig *quic.Config
	log        *logrus.Entry
}

// NewDialer builds a Dialer. anonTor and/or anonI2P may be nil if the local
// node has no configured proxy for that network, in which case endpoints of
// that kind are refused rather than silently falling back to a direct
// dial, so the anonymity a peer asked for is never silently downgraded.
func NewDialer(pins *certstore.PinStore, anonTor, anonI2P *AnonDialer, quicConfig *quic.Config) *Dialer {
	return &Dialer{
		pins:       pins,
		anonTor:    anonTor,
		anonI2P:    anonI2P,
		quicConfig: quicConfig,
		log:        logrus.WithField("component", "transport.dialer"),
	}
}

// Dial connects to peerId at endpoint, tunneling through the appropriate
// SOCKS5 proxy for anonymizing kinds, and verifies the resulting
// connection's SPKI against expectedSpki (the value the peer's signed
// descriptor advertised for this plane).
func (d *Dialer) Dial(ctx context.Context, peerId string, endpoint descriptor.Endpoint, plane certstore.Plane, expectedSpki [32]byte) (quic.Connection, error) {
	var rawConn net.Conn
	var err error

	switch endpoint.TransportKind {
	case descriptor.TransportTorQUIC:
		if d.anonTor == nil {
			return nil, fmt.Errorf("transport: Tor endpoint for %s but no Tor proxy configured", peerId)
		}
		rawConn, err = d.anonTor.Dial(peerId, endpoint.Host, endpoint.Port)
	case descriptor.TransportI2PQUIC:
		if d.anonI2P == nil {
			return nil, fmt.Errorf("transport: I2P endpoint for %s but no I2P proxy configured", peerId)
		}
		rawConn, err = d.anonI2P.Dial(peerId, endpoint.Host, endpoint.Port)
	case descriptor.TransportDirectQUIC:
		return d.dialDirect(ctx, peerId, endpoint, plane, expectedSpki)
	default:
		return nil, fmt.Errorf("transport: unknown transport kind %q", endpoint.TransportKind)
	}
	if err != nil {
		return nil, err
	}

	return d.handshakeOverConn(ctx, rawConn, peerId, endpoint, plane, expectedSpki)
}

func (d *Dialer) dialDirect(ctx context.Context, peerId string, endpoint descriptor.Endpoint, plane certstore.Plane, expectedSpki [32]byte) (quic.Connection, error) {
	addr := net.JoinHostPort(endpoint.Host, fmt.Sprintf("%d", endpoint.Port))
	tlsConf := &tls.Config{NextProtos: []string{"mesh-overlay/1"}, InsecureSkipVerify: true}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, d.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: direct quic dial %s: %w", addr, err)
	}
	if err := d.verifyPin(conn, peerId, endpoint, plane, expectedSpki); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return conn, nil
}

// handshakeOverConn performs the QUIC client handshake over an
// already-established net.Conn (a SOCKS5 tunnel to Tor/I2P). quic-go
// dials over a net.PacketConn, not a stream socket, so rawConn is wrapped
// in framedPacketConn, which frames each outgoing QUIC UDP datagram with a
// 2-byte length prefix over the reliable, ordered SOCKS5 stream and
// reassembles inbound datagrams the same way. The wrapped transport is
// then handed to quic.Transport.Dial exactly as the direct-quic path hands
// a real UDP socket to quic.DialAddr.
func (d *Dialer) handshakeOverConn(ctx context.Context, rawConn net.Conn, peerId string, endpoint descriptor.Endpoint, plane certstore.Plane, expectedSpki [32]byte) (quic.Connection, error) {
	pconn := newFramedPacketConn(rawConn)
	tr := &quic.Transport{Conn: pconn}
	tlsConf := &tls.Config{NextProtos: []string{"mesh-overlay/1"}, InsecureSkipVerify: true}
	conn, err := tr.Dial(ctx, pconn.RemoteAddr(), tlsConf, d.quicConfig)
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("transport: quic-over-socks5 dial to %s: %w", peerId, err)
	}
	if err := d.verifyPin(conn, peerId, endpoint, plane, expectedSpki); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) verifyPin(conn quic.Connection, peerId string, endpoint descriptor.Endpoint, plane certstore.Plane, expectedSpki [32]byte) error {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("transport: peer %s presented no certificate", peerId)
	}
	spki, err := certstore.SpkiSha256(state.PeerCertificates[0])
	if err != nil {
		return fmt.Errorf("transport: hashing peer %s SPKI: %w", peerId, err)
	}
	if spki != expectedSpki {
		return fmt.Errorf("transport: peer %s presented unexpected certificate", peerId)
	}

	key := fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	if _, _, known := d.pins.PinFor(key, plane); !known {
		if err := d.pins.RecordPin(key, plane, spki, certstore.SourceDescriptor); err != nil {
			return fmt.Errorf("transport: recording descriptor-sourced pin: %w", err)
		}
	} else if !d.pins.Matches(key, plane, spki) {
		return fmt.Errorf("transport: peer %s SPKI does not match pinned value", peerId)
	}
	return nil
}

// maxFramedDatagram bounds one length-prefixed QUIC datagram relayed over
// a framedPacketConn: the largest size its 2-byte length prefix can carry,
// comfortably above quic-go's default packet size even with a jumbo MTU.
const maxFramedDatagram = 1<<16 - 1

// framedPacketConn adapts a single reliable, ordered net.Conn — a SOCKS5
// TCP tunnel to Tor or I2P — into the net.PacketConn shape quic.Transport
// expects. Every WriteTo call is framed with a 2-byte big-endian length
// prefix on the wire; ReadFrom reverses the framing and reports a fixed
// synthetic remote address, since the underlying tunnel only ever carries
// traffic to and from the one peer it was dialed for.
type framedPacketConn struct {
	conn       net.Conn
	remoteAddr net.Addr
	writeMu    sync.Mutex
	closeOnce  sync.Once
}

func newFramedPacketConn(conn net.Conn) *framedPacketConn {
	return &framedPacketConn{conn: conn, remoteAddr: conn.RemoteAddr()}
}

func (f *framedPacketConn) RemoteAddr() net.Addr { return f.remoteAddr }

func (f *framedPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(f.conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size > len(p) {
		if _, err := io.CopyN(io.Discard, f.conn, int64(size)); err != nil {
			return 0, nil, err
		}
		return 0, f.remoteAddr, fmt.Errorf("transport: framed datagram of %d bytes exceeds read buffer %d", size, len(p))
	}
	if _, err := io.ReadFull(f.conn, p[:size]); err != nil {
		return 0, nil, err
	}
	return size, f.remoteAddr, nil
}

func (f *framedPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if len(p) > maxFramedDatagram {
		return 0, fmt.Errorf("transport: outgoing datagram of %d bytes exceeds framed limit %d", len(p), maxFramedDatagram)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
	if _, err := f.conn.Write(hdr[:]); err != nil {
		return 0, err
	}
	if len(p) > 0 {
		if _, err := f.conn.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (f *framedPacketConn) Close() error {
	var err error
	f.closeOnce.Do(func() { err = f.conn.Close() })
	return err
}

func (f *framedPacketConn) LocalAddr() net.Addr                { return f.conn.LocalAddr() }
func (f *framedPacketConn) SetDeadline(t time.Time) error      { return f.conn.SetDeadline(t) }
func (f *framedPacketConn) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *framedPacketConn) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }

// DefaultQUICConfig returns conservative QUIC transport parameters tuned
// for high-latency anonymizing-network circuits as well as low-latency
// direct links.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 30 * time.Second,
		MaxIdleTimeout:       2 * time.Minute,
		KeepAlivePeriod:      25 * time.Second,
	}
}
