package envelope

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/internal/clock"
)

// ReplayWindow is how long a (PeerId, MessageId) pair is remembered.
const ReplayWindow = 10 * time.Minute

// ReplayCache is a per-peer bounded map of seen MessageIds, evicted by a
// janitor once they age out of ReplayWindow. The key includes PeerId since
// replay is scoped per-peer rather than global.
type ReplayCache struct {
	mu      sync.Mutex
	seen    map[string]map[[16]byte]time.Time
	clock   clock.Provider
	log     *logrus.Entry
	stop    chan struct{}
	stopped bool
}

// NewReplayCache constructs an empty cache and starts its janitor
// goroutine. Call Close to stop the janitor.
func NewReplayCache(cp clock.Provider) *ReplayCache {
	rc := &ReplayCache{
		seen:  make(map[string]map[[16]byte]time.Time),
		clock: clock.Or(cp),
		log:   logrus.WithField("component", "envelope.replay"),
		stop:  make(chan struct{}),
	}
	go rc.janitorLoop()
	return rc
}

// CheckAndStore returns true if (peerId, messageId) is new (not a replay)
// and records it; returns false if it has already been seen within
// ReplayWindow.
func (rc *ReplayCache) CheckAndStore(peerId string, messageId [16]byte) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	bucket, ok := rc.seen[peerId]
	if !ok {
		bucket = make(map[[16]byte]time.Time)
		rc.seen[peerId] = bucket
	}
	now := rc.clock.Now()
	if expiry, seen := bucket[messageId]; seen && now.Before(expiry) {
		rc.log.WithField("peer_id", peerId).Warn("replay detected: MessageId already seen")
		return false
	}
	bucket[messageId] = now.Add(ReplayWindow)
	return true
}

func (rc *ReplayCache) janitorLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.sweep()
		}
	}
}

func (rc *ReplayCache) sweep() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := rc.clock.Now()
	for peerId, bucket := range rc.seen {
		for id, expiry := range bucket {
			if now.After(expiry) {
				delete(bucket, id)
			}
		}
		if len(bucket) == 0 {
			delete(rc.seen, peerId)
		}
	}
}

// Close stops the janitor goroutine.
func (rc *ReplayCache) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.stopped {
		return
	}
	rc.stopped = true
	close(rc.stop)
}
