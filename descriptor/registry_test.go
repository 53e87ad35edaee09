package descriptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration  { return f.now.Sub(t) }
func (f *fakeClock) advance(d time.Duration)          { f.now = f.now.Add(d) }

func TestEndpointRegistry_LookupExpires(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	reg := NewEndpointRegistry(time.Minute, fc)

	reg.Observe("1.2.3.4:4433", "peer-a")
	peerId, ok := reg.Lookup("1.2.3.4:4433")
	assert.True(t, ok)
	assert.Equal(t, "peer-a", peerId)

	fc.advance(2 * time.Minute)
	_, ok = reg.Lookup("1.2.3.4:4433")
	assert.False(t, ok, "entry should expire after maxAge")
}

func TestEndpointRegistry_Sweep(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	reg := NewEndpointRegistry(time.Minute, fc)
	reg.Observe("a", "p1")
	reg.Observe("b", "p2")

	fc.advance(2 * time.Minute)
	removed := reg.Sweep()
	assert.Equal(t, 2, removed)
}
