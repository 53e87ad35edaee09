package hashgossip

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/meshiface"
)

func singleEntry(flacKey, byteHash string, size int64) []meshiface.HashEntry {
	return []meshiface.HashEntry{{SeqId: 1, FlacKey: flacKey, ByteHash: byteHash, Size: size}}
}

type fakeCandidates []string

func (f fakeCandidates) RecentPeers(max int) []string {
	if max >= len(f) {
		return f
	}
	return f[:max]
}

func TestGossip_LookupHashReturnsLocalHitWithoutQuerying(t *testing.T) {
	hash := strings.Repeat("d", 64)
	db := &fakeHashDb{entries: singleEntry("a.flac", hash, 10)}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	entry, found, err := g.LookupHash(context.Background(), "a.flac", fakeCandidates{}, DefaultConsensusConfig())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, hash, entry.ByteHash)
	assert.Empty(t, sender.sent, "a local hit must not trigger any REQKEY fan-out")
}

func TestGossip_LookupHashReturnsNotFoundWithNoCandidates(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	_, found, err := g.LookupHash(context.Background(), "missing.flac", fakeCandidates{}, DefaultConsensusConfig())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGossip_LookupHashReachesConsensus(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	candidates := fakeCandidates{"peer-1", "peer-2", "peer-3"}
	cfg := ConsensusConfig{MinPeers: 3, MinAgreements: 2, Timeout: 20 * time.Millisecond}

	hash := strings.Repeat("e", 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		entry, found, err := g.LookupHash(context.Background(), "shared.flac", candidates, cfg)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, hash, entry.ByteHash)
	}()

	// give LookupHash a moment to register the pending accumulator before
	// delivering votes, matching how RESPKEY would arrive asynchronously.
	time.Sleep(2 * time.Millisecond)

	for _, peerId := range []string{"peer-1", "peer-2"} {
		resp := RespKeyPayload{Found: true, FlacKey: "shared.flac", ByteHash: hash, Size: 55}
		payload, err := encodePayload(resp)
		require.NoError(t, err)
		e := envelope.New(envelope.TypeRespKey, payload)
		require.NoError(t, g.handleRespKey(e, envelope.PeerContext{PeerId: peerId}))
	}

	<-done
}

type recordingPop struct {
	allow bool
	asked []string
}

func (p *recordingPop) Verify(peerId, flacKey, byteHash string) bool {
	p.asked = append(p.asked, peerId)
	return p.allow
}

func consensusLookupWithPop(t *testing.T, pop PopVerifier, db *fakeHashDb) (meshiface.HashEntry, bool) {
	t.Helper()
	sender := &recordingSender{}
	sign, _ := testSignFn()
	g := New(Config{DB: db, Limits: DefaultLimits(), Sign: sign, Sender: sender, Pop: pop})

	candidates := fakeCandidates{"peer-1", "peer-2", "peer-3"}
	cfg := ConsensusConfig{MinPeers: 3, MinAgreements: 2, Timeout: 20 * time.Millisecond}
	hash := strings.Repeat("e", 64)

	type outcome struct {
		entry meshiface.HashEntry
		found bool
	}
	done := make(chan outcome, 1)
	go func() {
		entry, found, err := g.LookupHash(context.Background(), "shared.flac", candidates, cfg)
		assert.NoError(t, err)
		done <- outcome{entry, found}
	}()

	time.Sleep(2 * time.Millisecond)
	for _, peerId := range []string{"peer-1", "peer-2"} {
		resp := RespKeyPayload{Found: true, FlacKey: "shared.flac", ByteHash: hash, Size: 55}
		payload, err := encodePayload(resp)
		require.NoError(t, err)
		e := envelope.New(envelope.TypeRespKey, payload)
		require.NoError(t, g.handleRespKey(e, envelope.PeerContext{PeerId: peerId}))
	}

	out := <-done
	return out.entry, out.found
}

func TestGossip_LookupHashVerifiesPopWithWinningVoter(t *testing.T) {
	pop := &recordingPop{allow: true}
	db := &fakeHashDb{}

	entry, found := consensusLookupWithPop(t, pop, db)
	assert.True(t, found)
	assert.Equal(t, strings.Repeat("e", 64), entry.ByteHash)
	require.NotEmpty(t, pop.asked, "the winning answer must be possession-checked before caching")
	assert.Contains(t, []string{"peer-1", "peer-2"}, pop.asked[0], "the check must target a peer that cast the winning vote")
	assert.Len(t, db.merged, 1)
}

func TestGossip_LookupHashRejectsConsensusWhenPopFails(t *testing.T) {
	pop := &recordingPop{allow: false}
	db := &fakeHashDb{}

	_, found := consensusLookupWithPop(t, pop, db)
	assert.False(t, found, "a consensus answer no voter can prove possession of must be refused")
	assert.Empty(t, db.merged, "an unproven answer must not be cached")
	assert.Len(t, pop.asked, 2, "every winning voter gets a chance to prove possession")
}

func TestGossip_LookupHashBelowThresholdStaysNotFound(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	candidates := fakeCandidates{"peer-1", "peer-2", "peer-3"}
	cfg := ConsensusConfig{MinPeers: 3, MinAgreements: 2, Timeout: 10 * time.Millisecond}

	entry, found, err := g.LookupHash(context.Background(), "lonely.flac", candidates, cfg)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", entry.ByteHash)
}

func TestGossip_HandleReqKeyRepliesFound(t *testing.T) {
	hash := strings.Repeat("f", 64)
	db := &fakeHashDb{entries: singleEntry("a.flac", hash, 10)}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	payload, err := encodePayload(ReqKeyPayload{FlacKey: "a.flac"})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeReqKey, payload)

	require.NoError(t, g.handleReqKey(e, peerCtx("peer-b", pub)))
	require.Len(t, sender.sent, 1)

	var resp RespKeyPayload
	require.NoError(t, decodePayload(sender.sent[0].Payload, &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, hash, resp.ByteHash)
}

func TestGossip_HandleReqKeyRepliesNotFound(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	payload, err := encodePayload(ReqKeyPayload{FlacKey: "missing.flac"})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeReqKey, payload)

	require.NoError(t, g.handleReqKey(e, peerCtx("peer-b", pub)))
	require.Len(t, sender.sent, 1)

	var resp RespKeyPayload
	require.NoError(t, decodePayload(sender.sent[0].Payload, &resp))
	assert.False(t, resp.Found)
}
