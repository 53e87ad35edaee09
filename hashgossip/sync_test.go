package hashgossip

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/meshiface"
)

type fakeHashDb struct {
	seqId   int64
	entries []meshiface.HashEntry
	merged  []meshiface.HashEntry
}

func (f *fakeHashDb) CurrentSeqId() int64 { return f.seqId }

func (f *fakeHashDb) EntriesSince(sinceSeqId int64, maxEntries int) ([]meshiface.HashEntry, error) {
	out := []meshiface.HashEntry{}
	for _, e := range f.entries {
		if e.SeqId > sinceSeqId {
			out = append(out, e)
			if len(out) == maxEntries {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeHashDb) Lookup(flacKey string) (meshiface.HashEntry, bool, error) {
	for _, e := range f.entries {
		if e.FlacKey == flacKey {
			return e, true, nil
		}
	}
	return meshiface.HashEntry{}, false, nil
}

func (f *fakeHashDb) Merge(entries []meshiface.HashEntry) (int, error) {
	f.merged = append(f.merged, entries...)
	f.entries = append(f.entries, entries...)
	return len(entries), nil
}

type recordingSender struct {
	sent []*envelope.Envelope
	to   []string
}

func (s *recordingSender) Send(peerId string, e *envelope.Envelope) error {
	s.sent = append(s.sent, e)
	s.to = append(s.to, peerId)
	return nil
}

func testSignFn() (func([]byte) []byte, ed25519.PublicKey) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	return func(msg []byte) []byte { return ed25519.Sign(priv, msg) }, pub
}

func peerCtx(peerId string, allowed ed25519.PublicKey) envelope.PeerContext {
	return envelope.PeerContext{PeerId: peerId, AllowedControlSigningKeys: [][]byte{allowed}}
}

func newTestGossip(db *fakeHashDb, sender Sender) (*Gossip, ed25519.PublicKey) {
	sign, pub := testSignFn()
	g := New(Config{
		DB:     db,
		Limits: DefaultLimits(),
		Sign:   sign,
		Sender: sender,
	})
	return g, pub
}

func TestGossip_StartSyncSendsHello(t *testing.T) {
	db := &fakeHashDb{seqId: 7}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	require.NoError(t, g.StartSync("peer-b"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, envelope.TypeHello, sender.sent[0].Type)
	assert.Equal(t, "peer-b", sender.to[0])
	assert.Equal(t, SyncGreeting, g.stateFor("peer-b").SyncState())
}

func TestGossip_StartSyncRefusesMidSync(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, _ := newTestGossip(db, sender)

	require.NoError(t, g.StartSync("peer-b"))
	assert.Error(t, g.StartSync("peer-b"))
}

func TestGossip_HandleHelloFromIdleRepliesAndRequestsDelta(t *testing.T) {
	db := &fakeHashDb{seqId: 3}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	payload, err := encodePayload(HelloPayload{LatestSeqId: 9})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeHello, payload)

	require.NoError(t, g.handleHello(e, peerCtx("peer-b", pub)))

	require.Len(t, sender.sent, 2, "expect a HELLO reply followed by a REQDELTA")
	assert.Equal(t, envelope.TypeHello, sender.sent[0].Type)
	assert.Equal(t, envelope.TypeReqDelta, sender.sent[1].Type)
	assert.Equal(t, SyncDelivering, g.stateFor("peer-b").SyncState())
}

func TestGossip_HandleReqDeltaRepliesWithPushDelta(t *testing.T) {
	db := &fakeHashDb{
		seqId: 5,
		entries: []meshiface.HashEntry{
			{SeqId: 1, FlacKey: "a.flac", ByteHash: strings.Repeat("a", 64), Size: 10},
			{SeqId: 2, FlacKey: "b.flac", ByteHash: strings.Repeat("b", 64), Size: 20},
		},
	}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	payload, err := encodePayload(ReqDeltaPayload{SinceSeqId: 0, MaxEntries: 10})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeReqDelta, payload)

	require.NoError(t, g.handleReqDelta(e, peerCtx("peer-b", pub)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, envelope.TypePushDelta, sender.sent[0].Type)

	var push PushDeltaPayload
	require.NoError(t, decodePayload(sender.sent[0].Payload, &push))
	assert.Len(t, push.Entries, 2)
	assert.Equal(t, int64(5), push.LatestSeqId)
}

func TestGossip_HandlePushDeltaMergesValidEntriesAndAcks(t *testing.T) {
	db := &fakeHashDb{seqId: 0}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	good := wireEntry{SeqId: 1, FlacKey: "a.flac", ByteHash: strings.Repeat("a", 64), Size: 10}
	bad := wireEntry{SeqId: 2, FlacKey: "bad key with spaces", ByteHash: strings.Repeat("b", 64), Size: 20}

	payload, err := encodePayload(PushDeltaPayload{Entries: []wireEntry{good, bad}, LatestSeqId: 2})
	require.NoError(t, err)
	e := envelope.New(envelope.TypePushDelta, payload)

	require.NoError(t, g.handlePushDelta(e, peerCtx("peer-b", pub)))

	assert.Len(t, db.merged, 1, "the structurally invalid entry must be dropped, not merged")
	assert.Equal(t, "a.flac", db.merged[0].FlacKey)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, envelope.TypeAck, sender.sent[0].Type)
	assert.Equal(t, SyncCooldown, g.stateFor("peer-b").SyncState())
}

func TestGossip_HandlePushDeltaRejectsConflictingSize(t *testing.T) {
	hash := strings.Repeat("c", 64)
	db := &fakeHashDb{entries: []meshiface.HashEntry{{SeqId: 1, FlacKey: "a.flac", ByteHash: hash, Size: 100}}}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	conflicting := wireEntry{SeqId: 2, FlacKey: "a.flac", ByteHash: hash, Size: 999}
	payload, err := encodePayload(PushDeltaPayload{Entries: []wireEntry{conflicting}, LatestSeqId: 2})
	require.NoError(t, err)
	e := envelope.New(envelope.TypePushDelta, payload)

	require.NoError(t, g.handlePushDelta(e, peerCtx("peer-b", pub)))
	assert.Empty(t, db.merged, "conflicting Size for an existing (FlacKey, ByteHash) must not merge")
}

func TestGossip_HandleAckRecordsHighWaterMark(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	g, pub := newTestGossip(db, sender)

	payload, err := encodePayload(AckPayload{MergedCount: 2, LatestSeqId: 42})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeAck, payload)

	require.NoError(t, g.handleAck(e, peerCtx("peer-b", pub)))
	assert.Equal(t, int64(42), g.stateFor("peer-b").LastObservedSeq())
	assert.Equal(t, SyncCooldown, g.stateFor("peer-b").SyncState())
}

type failingPop struct{}

func (failingPop) Verify(peerId, flacKey, byteHash string) bool { return false }

func TestGossip_PopFailureDropsEntryWithoutQuarantine(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	sign, pub := testSignFn()
	g := New(Config{DB: db, Limits: DefaultLimits(), Sign: sign, Sender: sender, Pop: failingPop{}})

	entry := wireEntry{SeqId: 1, FlacKey: "k.flac", ByteHash: strings.Repeat("d", 64), Size: 1_048_576}
	payload, err := encodePayload(PushDeltaPayload{Entries: []wireEntry{entry}, LatestSeqId: 1})
	require.NoError(t, err)
	e := envelope.New(envelope.TypePushDelta, payload)

	require.NoError(t, g.handlePushDelta(e, peerCtx("peer-c", pub)))

	assert.Empty(t, db.merged, "an entry failing proof-of-possession must be dropped, not merged")
	stats := g.Stats()
	assert.Equal(t, uint64(1), stats.ProofOfPossessionFailures)
	assert.Equal(t, uint64(1), stats.EntriesRejected)
	assert.Zero(t, stats.QuarantinesActive, "a single PoP failure must not quarantine")
	assert.False(t, g.stateFor("peer-c").Quarantined())
}

func TestGossip_ChunkServedCounter(t *testing.T) {
	resolver := fakeResolver{paths: map[string]string{"k.flac": "/share/k.flac"}}
	reader := memReader{data: map[string][]byte{"/share/k.flac": []byte("0123456789")}}
	sender := &recordingSender{}
	g, pub := newChunkGossip(resolver, reader, sender)

	payload, err := encodePayload(ReqChunkPayload{FlacKey: "k.flac", Offset: 0, Length: 4})
	require.NoError(t, err)
	e := envelope.New(envelope.TypeReqChunk, payload)

	require.NoError(t, g.handleReqChunk(e, peerCtx("peer-d", pub)))
	assert.Equal(t, uint64(1), g.Stats().ChunksServed)
}

type fakeReputation struct {
	untrusted  map[string]bool
	violations map[string]int
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{untrusted: map[string]bool{}, violations: map[string]int{}}
}

func (f *fakeReputation) IsUntrusted(peerId string) bool { return f.untrusted[peerId] }
func (f *fakeReputation) RecordProtocolViolation(peerId string, reason string) {
	f.violations[peerId]++
}
func (f *fakeReputation) RecordMalformedMessage(peerId string) {}

func TestGossip_QuarantinedPeerIgnoredByStartSync(t *testing.T) {
	db := &fakeHashDb{}
	sender := &recordingSender{}
	rep := newFakeReputation()
	rep.untrusted["peer-bad"] = true
	sign, _ := testSignFn()
	g := New(Config{DB: db, Limits: DefaultLimits(), Sign: sign, Sender: sender, Reputation: rep})

	assert.Error(t, g.StartSync("peer-bad"))
	assert.Empty(t, sender.sent)
}
