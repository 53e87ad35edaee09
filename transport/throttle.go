package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opd-ai/meshcore/internal/clock"
)

// ThrottleConfig holds the four independent connection-tier rate limits,
// all expressed as events per minute, plus the progressive per-IP
// back-off applied to sources that keep failing authentication.
type ThrottleConfig struct {
	GlobalHandshakesPerMin int // default 1000
	PerIPPerMin            int // default 10
	PerTransportPerMin     int // default 100
	PerPeerEnvelopesPerMin int // default 60

	// AuthFailureThreshold is how many failed-auth events an IP may
	// accrue within AuthFailureWindow before back-off starts.
	AuthFailureThreshold int // default 5
	// AuthFailureWindow is how long the failure counter is remembered;
	// an IP quiet for longer starts from a clean slate.
	AuthFailureWindow time.Duration // default 5 minutes
	// AuthBackoffBase is the first cooldown imposed at the threshold;
	// each further failure doubles it, up to AuthBackoffMax.
	AuthBackoffBase time.Duration // default 30 seconds
	AuthBackoffMax  time.Duration // default 10 minutes
}

// DefaultThrottleConfig returns the documented defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		GlobalHandshakesPerMin: 1000,
		PerIPPerMin:            10,
		PerTransportPerMin:     100,
		PerPeerEnvelopesPerMin: 60,
		AuthFailureThreshold:   5,
		AuthFailureWindow:      5 * time.Minute,
		AuthBackoffBase:        30 * time.Second,
		AuthBackoffMax:         10 * time.Minute,
	}
}

// Throttle enforces connection-tier DoS protection
// using golang.org/x/time/rate token buckets — one global, one per
// remote IP, one per transport kind, and one per authenticated peer.
// Callers should treat a false return as "drop silently, no response".
// The handshake tiers see a connection only after its TLS handshake (see
// PlaneListener.Accept).
type Throttle struct {
	cfg   ThrottleConfig
	clock clock.Provider

	global *rate.Limiter

	mu           sync.Mutex
	perIP        map[string]*rate.Limiter
	perTransport map[string]*rate.Limiter
	perPeer      map[string]*rate.Limiter
	authFailures map[string]*authFailureState
}

// authFailureState is the per-source-IP failed-auth bookkeeping behind the
// progressive back-off.
type authFailureState struct {
	failures     int
	lastFailure  time.Time
	blockedUntil time.Time
}

// NewThrottle builds a Throttle from cfg. Zero back-off knobs fall back to
// the documented defaults so a partially-filled config stays safe.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	def := DefaultThrottleConfig()
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = def.AuthFailureThreshold
	}
	if cfg.AuthFailureWindow <= 0 {
		cfg.AuthFailureWindow = def.AuthFailureWindow
	}
	if cfg.AuthBackoffBase <= 0 {
		cfg.AuthBackoffBase = def.AuthBackoffBase
	}
	if cfg.AuthBackoffMax <= 0 {
		cfg.AuthBackoffMax = def.AuthBackoffMax
	}
	return &Throttle{
		cfg:          cfg,
		clock:        clock.System,
		global:       perMinuteLimiter(cfg.GlobalHandshakesPerMin),
		perIP:        make(map[string]*rate.Limiter),
		perTransport: make(map[string]*rate.Limiter),
		perPeer:      make(map[string]*rate.Limiter),
		authFailures: make(map[string]*authFailureState),
	}
}

func perMinuteLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = 1
	}
	// Burst equals the per-minute budget: a single minute's worth of
	// tokens may be spent immediately, then refills continuously.
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
}

// AllowHandshake checks the global, per-IP and per-transport-kind
// handshake-rate tiers for a new inbound connection attempt from remoteIP
// over transport kind. An IP
// inside its failed-auth back-off window is refused before any bucket is
// consulted.
func (t *Throttle) AllowHandshake(remoteIP string, transportKind string) bool {
	if t.authBlocked(remoteIP) {
		return false
	}
	if !t.global.Allow() {
		return false
	}
	return t.limiterFor(&t.perIP, remoteIP, t.cfg.PerIPPerMin).Allow() &&
		t.limiterFor(&t.perTransport, transportKind, t.cfg.PerTransportPerMin).Allow()
}

// RecordAuthFailure notes a failed handshake or envelope verification
// from remoteIP. Failures within AuthFailureWindow accumulate; reaching
// AuthFailureThreshold imposes a cooldown of AuthBackoffBase that doubles
// with each further failure, up to AuthBackoffMax.
func (t *Throttle) RecordAuthFailure(remoteIP string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	st, ok := t.authFailures[remoteIP]
	if !ok {
		st = &authFailureState{}
		t.authFailures[remoteIP] = st
	}
	if now.Sub(st.lastFailure) > t.cfg.AuthFailureWindow {
		st.failures = 0
	}
	st.failures++
	st.lastFailure = now

	if st.failures < t.cfg.AuthFailureThreshold {
		return
	}
	excess := st.failures - t.cfg.AuthFailureThreshold
	if excess > 10 {
		excess = 10 // past this the cap below always wins
	}
	cooldown := t.cfg.AuthBackoffBase << excess
	if cooldown > t.cfg.AuthBackoffMax || cooldown <= 0 {
		cooldown = t.cfg.AuthBackoffMax
	}
	st.blockedUntil = now.Add(cooldown)
}

func (t *Throttle) authBlocked(remoteIP string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.authFailures[remoteIP]
	if !ok {
		return false
	}
	return t.clock.Now().Before(st.blockedUntil)
}

// AllowEnvelope checks the per-peer control-envelope-rate tier once a
// connection has reached an identified (post-HELLO) peer.
func (t *Throttle) AllowEnvelope(peerId string) bool {
	return t.limiterFor(&t.perPeer, peerId, t.cfg.PerPeerEnvelopesPerMin).Allow()
}

func (t *Throttle) limiterFor(bucket *map[string]*rate.Limiter, key string, perMin int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := (*bucket)[key]
	if !ok {
		lim = perMinuteLimiter(perMin)
		(*bucket)[key] = lim
	}
	return lim
}

// Forget drops any per-peer limiter state for peerId, e.g. when a
// quarantine ends and a clean slate is desired. Per-IP/per-transport
// limiters are left alone: they police the transport tier, not peer
// behaviour.
func (t *Throttle) Forget(peerId string) {
	t.mu.Lock()
	delete(t.perPeer, peerId)
	t.mu.Unlock()
}
