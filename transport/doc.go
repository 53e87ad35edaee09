// Package transport provides the mesh overlay's QUIC control and data
// planes, transport selection across direct/Tor/I2P endpoints, Tor/I2P
// SOCKS5 dialing with stream isolation and a DNS-leak guard, the
// connection-tier DoS throttler, and the per-connection state machine.
//
// # Architecture
//
// Every session is a QUIC connection over one of three first-class
// transport kinds advertised in a peer's descriptor:
//
//   - direct-quic — plain QUIC over UDP to an IP literal or a
//     policy-allowed DNS name.
//   - tor-onion-quic — QUIC tunneled through a local Tor SOCKS5 proxy to
//     a .onion address.
//   - i2p-quic — QUIC tunneled through a local I2P SOCKS5 proxy to a
//     .i2p address.
//
// This is a deliberately narrow surface: multi-hop overlay circuits and
// transports beyond these three kinds are out of scope.
//
// # Connection lifecycle
//
// Every connection moves through the state machine in state.go:
//
//	Dialing → TlsHandshake → Pinned → AwaitingHello → Verified → Active → Closing → Closed
//
// Transitions out of Pinned require a verified HELLO envelope from the
// control plane (package envelope); each stage has its own timeout.
//
// # DoS protection
//
// Throttle applies four independent token-bucket limits (global inbound
// handshake rate, per-remote-IP rate, per-transport-kind rate, and
// per-peer control envelope rate). The handshake tiers are checked on a
// connection that PlaneListener.Accept has returned, that is after its TLS
// handshake and SPKI pin check; the envelope tier is checked before an
// envelope is decoded or its signature verified. Excess attempts are
// dropped silently so an attacker learns nothing from the rejection.
package transport
