package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_PerIPLimitEnforced(t *testing.T) {
	th := NewThrottle(ThrottleConfig{GlobalHandshakesPerMin: 1000, PerIPPerMin: 2, PerTransportPerMin: 1000})

	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
	assert.False(t, th.AllowHandshake("1.2.3.4", "direct-quic"), "third attempt within the burst window must be refused")
}

func TestThrottle_DistinctIPsTrackedIndependently(t *testing.T) {
	th := NewThrottle(ThrottleConfig{GlobalHandshakesPerMin: 1000, PerIPPerMin: 1, PerTransportPerMin: 1000})

	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
	assert.True(t, th.AllowHandshake("5.6.7.8", "direct-quic"), "a different remote IP must have its own bucket")
}

func TestThrottle_GlobalLimitCapsAllIPs(t *testing.T) {
	th := NewThrottle(ThrottleConfig{GlobalHandshakesPerMin: 1, PerIPPerMin: 1000, PerTransportPerMin: 1000})

	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
	assert.False(t, th.AllowHandshake("5.6.7.8", "direct-quic"), "the global tier must refuse once its single token is spent")
}

func TestThrottle_PerPeerEnvelopeLimit(t *testing.T) {
	th := NewThrottle(ThrottleConfig{PerPeerEnvelopesPerMin: 1})

	assert.True(t, th.AllowEnvelope("peer-a"))
	assert.False(t, th.AllowEnvelope("peer-a"))
	assert.True(t, th.AllowEnvelope("peer-b"), "a different peer must have its own bucket")
}

func TestThrottle_ForgetResetsPeerBucket(t *testing.T) {
	th := NewThrottle(ThrottleConfig{PerPeerEnvelopesPerMin: 1})

	assert.True(t, th.AllowEnvelope("peer-a"))
	assert.False(t, th.AllowEnvelope("peer-a"))

	th.Forget("peer-a")
	assert.True(t, th.AllowEnvelope("peer-a"), "forgetting a peer must grant a fresh bucket")
}

func newBackoffThrottle(fc *fakeClock) *Throttle {
	th := NewThrottle(ThrottleConfig{
		GlobalHandshakesPerMin: 1000,
		PerIPPerMin:            1000,
		PerTransportPerMin:     1000,
		AuthFailureThreshold:   3,
		AuthFailureWindow:      5 * time.Minute,
		AuthBackoffBase:        30 * time.Second,
		AuthBackoffMax:         10 * time.Minute,
	})
	th.clock = fc
	return th
}

func TestThrottle_AuthFailuresBelowThresholdDoNotBlock(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	th := newBackoffThrottle(fc)

	th.RecordAuthFailure("1.2.3.4")
	th.RecordAuthFailure("1.2.3.4")
	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
}

func TestThrottle_AuthFailuresAtThresholdImposeCooldown(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	th := newBackoffThrottle(fc)

	for i := 0; i < 3; i++ {
		th.RecordAuthFailure("1.2.3.4")
	}
	assert.False(t, th.AllowHandshake("1.2.3.4", "direct-quic"), "an IP at the failure threshold must be refused")
	assert.True(t, th.AllowHandshake("5.6.7.8", "direct-quic"), "back-off is per source IP, other IPs are unaffected")

	fc.advance(31 * time.Second)
	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"), "the cooldown must expire")
}

func TestThrottle_AuthBackoffDoublesPerFurtherFailure(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	th := newBackoffThrottle(fc)

	for i := 0; i < 4; i++ {
		th.RecordAuthFailure("1.2.3.4")
	}
	fc.advance(31 * time.Second)
	assert.False(t, th.AllowHandshake("1.2.3.4", "direct-quic"), "one failure past the threshold doubles the cooldown")
	fc.advance(30 * time.Second)
	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"))
}

func TestThrottle_AuthFailureCounterResetsAfterQuietWindow(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	th := newBackoffThrottle(fc)

	th.RecordAuthFailure("1.2.3.4")
	th.RecordAuthFailure("1.2.3.4")
	fc.advance(6 * time.Minute)
	th.RecordAuthFailure("1.2.3.4")
	assert.True(t, th.AllowHandshake("1.2.3.4", "direct-quic"), "failures older than the window must not count toward the threshold")
}
