package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshcore/internal/clock"
)

// State is a stage in a connection's lifecycle, per doc.go's state diagram.
type State int

const (
	StateDialing State = iota
	StateTlsHandshake
	StatePinned
	StateAwaitingHello
	StateVerified
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateTlsHandshake:
		return "tls_handshake"
	case StatePinned:
		return "pinned"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateVerified:
		return "verified"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StageTimeouts bounds how long a connection may dwell in each
// pre-Active stage before it is forcibly closed. Defaults are chosen to
// bound a misbehaving or slow peer's resource hold without penalizing a
// healthy handshake over a high-latency transport (Tor/I2P).
type StageTimeouts struct {
	Dialing       time.Duration
	TlsHandshake  time.Duration
	Pinned        time.Duration
	AwaitingHello time.Duration
}

// DefaultStageTimeouts returns the per-stage defaults (10s/10s/5s for
// TlsHandshake/Pinned/AwaitingHello); Dialing uses a generous bound
// tolerant of Tor/I2P circuit-build latency.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Dialing:       30 * time.Second,
		TlsHandshake:  10 * time.Second,
		Pinned:        10 * time.Second,
		AwaitingHello: 5 * time.Second,
	}
}

// errInvalidTransition reports an attempted move between two states that
// doc.go's state diagram does not allow.
func errInvalidTransition(from, to State) error {
	return fmt.Errorf("transport: invalid state transition %s -> %s", from, to)
}

var validTransitions = map[State][]State{
	StateDialing:       {StateTlsHandshake, StateClosing},
	StateTlsHandshake:  {StatePinned, StateClosing},
	StatePinned:        {StateAwaitingHello, StateClosing},
	StateAwaitingHello: {StateVerified, StateClosing},
	StateVerified:      {StateActive, StateClosing},
	StateActive:        {StateClosing},
	StateClosing:       {StateClosed},
	StateClosed:        {},
}

// Conn tracks one connection's position in the lifecycle state machine and
// enforces per-stage timeouts. It does not itself own a net.Conn or QUIC
// session; callers embed or pair it with their transport-specific
// connection object.
type Conn struct {
	mu         sync.Mutex
	state      State
	enteredAt  time.Time
	timeouts   StageTimeouts
	clock      clock.Provider
	remotePeer string
}

// NewConn starts a connection in StateDialing.
func NewConn(remotePeer string, timeouts StageTimeouts, cp clock.Provider) *Conn {
	cp = clock.Or(cp)
	return &Conn{
		state:      StateDialing,
		enteredAt:  cp.Now(),
		timeouts:   timeouts,
		clock:      cp,
		remotePeer: remotePeer,
	}
}

// State returns the connection's current stage.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Advance attempts to move the connection to to. It fails if the
// transition is not allowed from the current state.
func (c *Conn) Advance(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range validTransitions[c.state] {
		if allowed == to {
			c.state = to
			c.enteredAt = c.clock.Now()
			return nil
		}
	}
	return errInvalidTransition(c.state, to)
}

// Expired reports whether the connection has overstayed its current
// pre-Active stage's timeout. Active and terminal states never expire
// here; liveness beyond Active is the caller's keepalive concern.
func (c *Conn) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var budget time.Duration
	switch c.state {
	case StateDialing:
		budget = c.timeouts.Dialing
	case StateTlsHandshake:
		budget = c.timeouts.TlsHandshake
	case StatePinned:
		budget = c.timeouts.Pinned
	case StateAwaitingHello:
		budget = c.timeouts.AwaitingHello
	default:
		return false
	}
	if budget <= 0 {
		return false
	}
	return c.clock.Since(c.enteredAt) > budget
}
