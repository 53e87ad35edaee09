package meshcore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/certstore"
	"github.com/opd-ai/meshcore/descriptor"
	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/hashgossip"
	"github.com/opd-ai/meshcore/transport"
)

var bootstrapMsgpackHandle codec.MsgpackHandle

// decodeHelloPayload decodes a HELLO envelope payload well enough to read
// its claimed ClientId, before that claim has been cryptographically
// verified.
func decodeHelloPayload(data []byte, v *hashgossip.HelloPayload) error {
	dec := codec.NewDecoderBytes(data, &bootstrapMsgpackHandle)
	return dec.Decode(v)
}

// maxFrameBytes bounds a single length-prefixed frame read off a session
// stream; envelope.MaxPayloadBytes plus room for the msgpack wire
// envelope's own field overhead.
const maxFrameBytes = envelope.MaxPayloadBytes + 4096

// peerSession is one established control-plane session with a peer: a
// single QUIC stream carries every envelope in both directions, one
// envelope per logical message.
type peerSession struct {
	peerId         string
	remoteEndpoint string
	transportKind  descriptor.TransportKind
	conn           quic.Connection
	stream         quic.Stream
	allowedKeys    [][]byte
	lifecycle      *transport.Conn

	sendMu sync.Mutex
}

func (ps *peerSession) send(data []byte) error {
	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()
	return writeFrame(ps.stream, data)
}

// sessionManager tracks live per-peer sessions and implements
// hashgossip.Sender by writing to the matching session's stream. It also
// drives both halves of session establishment: dialing out (connect) and
// accepting in (acceptLoop/handleInbound).
type sessionManager struct {
	mesh *Mesh
	log  *logrus.Entry

	mu    sync.RWMutex
	peers map[string]*peerSession
}

func newSessionManager(m *Mesh) *sessionManager {
	return &sessionManager{
		mesh:  m,
		log:   logrus.WithField("component", "meshcore.session"),
		peers: make(map[string]*peerSession),
	}
}

// Send implements hashgossip.Sender.
func (sm *sessionManager) Send(peerId string, e *envelope.Envelope) error {
	sm.mu.RLock()
	ps, ok := sm.peers[peerId]
	sm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("meshcore: no active session with peer %s", peerId)
	}
	data, err := envelope.EncodeWire(e)
	if err != nil {
		return fmt.Errorf("meshcore: encoding envelope: %w", err)
	}
	return ps.send(data)
}

func (sm *sessionManager) has(peerId string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.peers[peerId]
	return ok
}

func (sm *sessionManager) register(ps *peerSession) {
	sm.mu.Lock()
	if old, exists := sm.peers[ps.peerId]; exists {
		old.conn.CloseWithError(0, "superseded by new session")
	}
	sm.peers[ps.peerId] = ps
	sm.mu.Unlock()
}

// closeAll forcibly closes every live session, unblocking any readLoop
// goroutines parked in a blocking stream read so Mesh.Close's WaitGroup
// can complete.
func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, ps := range sm.peers {
		ps.conn.CloseWithError(0, "shutting down")
	}
}

func (sm *sessionManager) unregister(peerId string, ps *peerSession) {
	sm.mu.Lock()
	if current, ok := sm.peers[peerId]; ok && current == ps {
		delete(sm.peers, peerId)
	}
	sm.mu.Unlock()
}

// connect dials peerId's best-ranked active endpoint, verifies its pinned
// identity, opens the control stream, and starts the delta-sync handshake.
func (sm *sessionManager) connect(ctx context.Context, peerId string) error {
	m := sm.mesh
	if peerId == m.identity.PeerId() {
		return fmt.Errorf("meshcore: refusing to connect to self")
	}

	d, err := m.directory.Fetch(ctx, peerId)
	if err != nil {
		return fmt.Errorf("meshcore: fetching descriptor for %s: %w", peerId, err)
	}

	active := descriptor.ActiveEndpoints(d, uint64(time.Now().UnixMilli()))
	ordered := m.selection.Order(active)
	controlEndpoints := make([]descriptor.Endpoint, 0, len(ordered))
	for _, ep := range ordered {
		if ep.Scope == descriptor.ScopeControl || ep.Scope == descriptor.ScopeControlData {
			controlEndpoints = append(controlEndpoints, ep)
		}
	}
	if len(controlEndpoints) == 0 {
		return fmt.Errorf("meshcore: peer %s advertises no usable control endpoint", peerId)
	}

	var lastErr error
	for _, ep := range controlEndpoints {
		lc := transport.NewConn(peerId, transport.DefaultStageTimeouts(), nil)
		_ = lc.Advance(transport.StateTlsHandshake)
		conn, dialErr := m.dialer.Dial(ctx, peerId, ep, certstore.PlaneControl, d.TlsControlSpkiSha256)
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		_ = lc.Advance(transport.StatePinned)
		stream, streamErr := conn.OpenStreamSync(ctx)
		if streamErr != nil {
			conn.CloseWithError(0, "")
			lastErr = streamErr
			continue
		}
		_ = lc.Advance(transport.StateAwaitingHello)

		ps := &peerSession{
			peerId:         peerId,
			remoteEndpoint: net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port)),
			transportKind:  ep.TransportKind,
			conn:           conn,
			stream:         stream,
			allowedKeys:    d.ControlSigningPublicKeys,
			lifecycle:      lc,
		}
		sm.register(ps)
		m.registry.Observe(ps.remoteEndpoint, peerId)
		m.spawn("session-read:"+peerId, func(ctx context.Context) { sm.readLoop(ctx, ps) })

		if err := m.gossip.StartSync(peerId); err != nil {
			sm.log.WithError(err).WithField("peer_id", peerId).Debug("delta-sync not started")
		} else {
			m.neighbors.MarkSynced(peerId)
		}
		return nil
	}
	m.neighbors.RecordFailure(peerId)
	return fmt.Errorf("meshcore: all endpoints for %s failed: %w", peerId, lastErr)
}

// acceptLoop accepts inbound connections on ln and hands each to
// handleInbound in its own goroutine.
func (m *Mesh) acceptLoop(ln *transport.PlaneListener, plane certstore.Plane) func(ctx context.Context) {
	return func(ctx context.Context) {
		for {
			conn, remoteEndpoint, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.WithError(err).WithField("plane", plane).Warn("accept failed")
				continue
			}
			host, _, _ := net.SplitHostPort(remoteEndpoint)
			if !m.throttle.AllowHandshake(host, string(descriptor.TransportDirectQUIC)) {
				conn.CloseWithError(0, "")
				continue
			}
			go m.sessions.handleInbound(ctx, conn, remoteEndpoint, plane)
		}
	}
}

// handleInbound performs the inbound bootstrap handshake:
// the peer's identity is first guessed from the endpoint registry
// (advisory reverse lookup); a miss falls back to reading the claimed
// ClientId out of the unverified HELLO payload and fetching that peer's
// descriptor directly, which supplies the signing keys needed to verify
// the very HELLO that named it.
func (sm *sessionManager) handleInbound(ctx context.Context, conn quic.Connection, remoteEndpoint string, plane certstore.Plane) {
	m := sm.mesh
	log := sm.log.WithFields(logrus.Fields{"remote": remoteEndpoint, "plane": plane})
	remoteHost, _, _ := net.SplitHostPort(remoteEndpoint)
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}

	frame, err := readFrame(stream)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}
	env, err := envelope.DecodeWire(frame)
	if err != nil || env.Type != envelope.TypeHello {
		m.throttle.RecordAuthFailure(remoteHost)
		conn.CloseWithError(0, "expected HELLO")
		return
	}

	peerId, d, err := sm.identifyBootstrapPeer(ctx, remoteEndpoint, env)
	if err != nil {
		log.WithError(err).Warn("could not identify inbound peer")
		m.throttle.RecordAuthFailure(remoteHost)
		conn.CloseWithError(0, "")
		return
	}

	lc := transport.NewConn(peerId, transport.DefaultStageTimeouts(), nil)
	_ = lc.Advance(transport.StateTlsHandshake)
	_ = lc.Advance(transport.StatePinned) // Accept already pin-checked the leaf
	_ = lc.Advance(transport.StateAwaitingHello)

	pctx := envelope.PeerContext{
		PeerId:                    peerId,
		RemoteEndpoint:            remoteEndpoint,
		Transport:                 string(descriptor.TransportDirectQUIC),
		AllowedControlSigningKeys: d.ControlSigningPublicKeys,
	}
	if reason := m.dispatcher.Dispatch(env, pctx); reason != envelope.ReasonNone {
		log.WithFields(logrus.Fields{"peer_id": peerId, "reason": reason}).Warn("inbound HELLO rejected")
		m.throttle.RecordAuthFailure(remoteHost)
		conn.CloseWithError(0, "")
		return
	}
	_ = lc.Advance(transport.StateVerified)
	_ = lc.Advance(transport.StateActive)

	ps := &peerSession{
		peerId:         peerId,
		remoteEndpoint: remoteEndpoint,
		transportKind:  descriptor.TransportDirectQUIC,
		conn:           conn,
		stream:         stream,
		allowedKeys:    d.ControlSigningPublicKeys,
		lifecycle:      lc,
	}
	sm.register(ps)
	m.registry.Observe(remoteEndpoint, peerId)
	m.neighbors.RecordSuccess(peerId)
	sm.readLoop(ctx, ps)
}

// identifyBootstrapPeer resolves the claimed identity of an
// as-yet-unauthenticated inbound HELLO, returning the peer's signed
// descriptor (the source of truth for its allowed signing keys).
func (sm *sessionManager) identifyBootstrapPeer(ctx context.Context, remoteEndpoint string, hello *envelope.Envelope) (string, *descriptor.Descriptor, error) {
	m := sm.mesh

	if peerId, ok := m.registry.Lookup(remoteEndpoint); ok {
		d, err := m.directory.Fetch(ctx, peerId)
		if err == nil {
			return peerId, d, nil
		}
	}

	var hp hashgossip.HelloPayload
	if err := decodeHelloPayload(hello.Payload, &hp); err != nil {
		return "", nil, fmt.Errorf("decoding claimed HELLO identity: %w", err)
	}
	if hp.ClientId == "" {
		return "", nil, fmt.Errorf("HELLO carries no claimed ClientId and reverse lookup missed")
	}
	d, err := m.directory.Fetch(ctx, hp.ClientId)
	if err != nil {
		return "", nil, fmt.Errorf("fetching descriptor for claimed identity %s: %w", hp.ClientId, err)
	}
	return hp.ClientId, d, nil
}

// readLoop continuously reads envelope frames off ps's stream and routes
// each through the dispatcher until the stream closes, then tears the
// session down.
func (sm *sessionManager) readLoop(ctx context.Context, ps *peerSession) {
	m := sm.mesh
	pctx := envelope.PeerContext{
		PeerId:                    ps.peerId,
		RemoteEndpoint:            ps.remoteEndpoint,
		Transport:                 string(ps.transportKind),
		AllowedControlSigningKeys: ps.allowedKeys,
	}
	defer func() {
		sm.unregister(ps.peerId, ps)
		_ = ps.lifecycle.Advance(transport.StateClosing)
		_ = ps.lifecycle.Advance(transport.StateClosed)
		ps.conn.CloseWithError(0, "")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := readFrame(ps.stream)
		if err != nil {
			if err != io.EOF {
				m.log.WithError(err).WithField("peer_id", ps.peerId).Debug("session stream closed")
			}
			return
		}
		if !m.throttle.AllowEnvelope(ps.peerId) {
			// Excess envelopes are dropped silently; the session itself stays
			// up so a peer recovering from a burst need not re-handshake.
			continue
		}
		env, err := envelope.DecodeWire(frame)
		if err != nil {
			m.log.WithError(err).WithField("peer_id", ps.peerId).Debug("undecodable frame; dropping")
			continue
		}
		// Until a verified HELLO moves the session out of AwaitingHello,
		// only HELLO envelopes are admitted on it.
		if ps.lifecycle.State() != transport.StateActive && env.Type != envelope.TypeHello {
			continue
		}
		if m.dispatcher.Dispatch(env, pctx) != envelope.ReasonNone {
			continue
		}
		if ps.lifecycle.State() != transport.StateActive && env.Type == envelope.TypeHello {
			_ = ps.lifecycle.Advance(transport.StateVerified)
			_ = ps.lifecycle.Advance(transport.StateActive)
		}
	}
}

// writeFrame writes a 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameBytes {
		return fmt.Errorf("meshcore: frame of %d bytes exceeds max %d", len(data), maxFrameBytes)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("meshcore: writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("meshcore: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("meshcore: peer announced oversize frame of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
