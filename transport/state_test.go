package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }
func (f *fakeClock) advance(d time.Duration)          { f.now = f.now.Add(d) }

func TestConn_FollowsLifecycleInOrder(t *testing.T) {
	c := NewConn("peer-a", DefaultStageTimeouts(), nil)
	assert.Equal(t, StateDialing, c.State())

	require.NoError(t, c.Advance(StateTlsHandshake))
	require.NoError(t, c.Advance(StatePinned))
	require.NoError(t, c.Advance(StateAwaitingHello))
	require.NoError(t, c.Advance(StateVerified))
	require.NoError(t, c.Advance(StateActive))
	assert.Equal(t, StateActive, c.State())
}

func TestConn_RejectsSkippedTransition(t *testing.T) {
	c := NewConn("peer-a", DefaultStageTimeouts(), nil)
	err := c.Advance(StateVerified)
	assert.Error(t, err, "skipping directly from Dialing to Verified must be rejected")
	assert.Equal(t, StateDialing, c.State())
}

func TestConn_AnyStageCanCloseEarly(t *testing.T) {
	c := NewConn("peer-a", DefaultStageTimeouts(), nil)
	require.NoError(t, c.Advance(StateTlsHandshake))
	require.NoError(t, c.Advance(StateClosing))
	require.NoError(t, c.Advance(StateClosed))
}

func TestConn_ExpiresAfterStageTimeout(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	timeouts := StageTimeouts{Dialing: time.Second}
	c := NewConn("peer-a", timeouts, fc)

	assert.False(t, c.Expired())
	fc.advance(2 * time.Second)
	assert.True(t, c.Expired(), "a connection that overstays its stage timeout must be reported as expired")
}

func TestConn_ActiveNeverExpiresHere(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	c := NewConn("peer-a", StageTimeouts{}, fc)
	require.NoError(t, c.Advance(StateTlsHandshake))
	require.NoError(t, c.Advance(StatePinned))
	require.NoError(t, c.Advance(StateAwaitingHello))
	require.NoError(t, c.Advance(StateVerified))
	require.NoError(t, c.Advance(StateActive))

	fc.advance(24 * time.Hour)
	assert.False(t, c.Expired())
}
