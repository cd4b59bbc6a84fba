package syncsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/engine"
	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
	"github.com/luxfi/merkle-tox/transport"
)

func newTestSession(t *testing.T) (*Session, store.Store, ids.ConversationId) {
	t.Helper()
	s := store.NewMemStore()
	mgr := identity.New()
	eng := engine.New(engine.Config{Store: s, Identity: mgr, MaxSpeculative: 16})

	var conv ids.ConversationId
	conv[3] = 9
	require.NoError(t, s.PutConversationKey(conv, 0, ids.EpochRootKey{4, 5, 6}))

	var peer ids.IdentityId
	peer[0] = 0xee

	now := time.Unix(1700000000, 0)
	ts := transport.NewSession(peer, transport.Config{}, now)
	sess := New(peer, conv, eng, s, ts, nil)
	return sess, s, conv
}

func TestHandshakeCapsAnnounceAcceptsMatchingVersion(t *testing.T) {
	sess, _, _ := newTestSession(t)
	require.Equal(t, StateHandshake, sess.State())

	payload, err := Encode(CapsAnnounce{ProtocolVersion: ProtocolVersion})
	require.NoError(t, err)

	_, err = sess.HandleInbound(payload, time.Unix(1700000000, 0))
	require.NoError(t, err)

	pkts := sess.t.GetPacketsToSend(time.Unix(1700000000, 0))
	require.NotEmpty(t, pkts)
}

func TestHandshakeCapsAckActivatesSession(t *testing.T) {
	sess, _, _ := newTestSession(t)
	payload, err := Encode(CapsAck{ProtocolVersion: ProtocolVersion, Accepted: true})
	require.NoError(t, err)

	_, err = sess.HandleInbound(payload, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Equal(t, StateActive, sess.State())
}

func TestSyncHeadsEnqueuesFetchForMissingHead(t *testing.T) {
	sess, _, conv := newTestSession(t)
	sess.Activate()

	missing := ids.Hash{0x1, 0x2, 0x3}
	payload, err := Encode(SyncHeads{Conversation: conv, Heads: []ids.Hash{missing}})
	require.NoError(t, err)

	_, err = sess.HandleInbound(payload, time.Unix(1700000000, 0))
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	effects := sess.Poll(now)
	require.Empty(t, effects)

	sent := sess.t.GetPacketsToSend(now)
	require.NotEmpty(t, sent)

	require.Len(t, sess.inflight, 1)
}

func TestFetchRetriesAfterRTOElapses(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Activate()

	hash := ids.Hash{0xaa}
	sess.EnqueueParentFetch(hash)

	t0 := time.Unix(1700000000, 0)
	sess.Poll(t0)
	require.Len(t, sess.inflight, 1)
	firstAttempts := sess.inflight[hash].attempts
	require.Equal(t, 1, firstAttempts)

	past := t0.Add(sess.t.RTO() + time.Second)
	sess.Poll(past)
	require.Equal(t, 2, sess.inflight[hash].attempts)
}

func TestFetchAbandonedAfterMaxAttempts(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Activate()

	hash := ids.Hash{0xbb}
	sess.EnqueueParentFetch(hash)

	now := time.Unix(1700000000, 0)
	for i := 0; i < FetchTimeoutAttempts+1; i++ {
		now = now.Add(sess.t.RTO() + time.Second)
		sess.Poll(now)
	}
	_, stillInflight := sess.inflight[hash]
	require.False(t, stillInflight)
}

func TestFetchBatchReqAnswersWithMerkleNodeWhenLocallyPresent(t *testing.T) {
	sess, s, conv := newTestSession(t)
	sess.Activate()

	wire := &dagnode.WireNode{
		AuthorIdentity: sess.peer,
		AuthorDevice:   sess.peer,
		Rank:           0,
		Sequence:       1,
		EpochID:        0,
	}
	require.NoError(t, s.PutWireNode(conv, wire))

	payload, err := Encode(FetchBatchReq{Hashes: []ids.Hash{wire.Hash()}})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	_, err = sess.HandleInbound(payload, now)
	require.NoError(t, err)

	pkts := sess.t.GetPacketsToSend(now)
	require.NotEmpty(t, pkts)
}

func TestMerkleNodeInboundClearsInflightFetch(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Activate()

	unknownParent := ids.Hash{0xfe}
	header := dagnode.WireNode{
		Parents:        []ids.Hash{unknownParent},
		AuthorIdentity: sess.peer,
		AuthorDevice:   sess.peer,
		Rank:           1,
		Sequence:       1,
		EpochID:        0,
	}
	var msgKey ids.MsgKey
	wire, err := dagnode.EncodeAndSeal(header, &dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "x"}}, msgKey)
	require.NoError(t, err)
	wire.SealWithMAC(msgKey)

	sess.inflight[wire.Hash()] = &pendingFetch{sentAt: time.Unix(1700000000, 0), attempts: 1}

	payload, err := Encode(MerkleNode{Wire: wire})
	require.NoError(t, err)

	_, err = sess.HandleInbound(payload, time.Unix(1700000000, 0))
	require.NoError(t, err)

	_, stillInflight := sess.inflight[wire.Hash()]
	require.False(t, stillInflight)
}

func TestBlobQueryAnswersAvailWithSize(t *testing.T) {
	sess, s, _ := newTestSession(t)
	sess.Activate()

	hash := ids.Hash{0x7}
	require.NoError(t, s.PutBlobInfo(hash, store.BlobInfo{Status: store.BlobAvailable, TotalSize: 4096, ChunkSize: 1024}))

	payload, err := Encode(BlobQuery{BlobHash: hash})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	_, err = sess.HandleInbound(payload, now)
	require.NoError(t, err)

	pkts := sess.t.GetPacketsToSend(now)
	require.NotEmpty(t, pkts)
}

func TestBlobAvailTriggersFirstChunkRequest(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Activate()

	hash := ids.Hash{0x8}
	payload, err := Encode(BlobAvail{BlobHash: hash, Have: true, Size: 4096})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	_, err = sess.HandleInbound(payload, now)
	require.NoError(t, err)

	req, ok := sess.blobReqs[hash]
	require.True(t, ok)
	require.Equal(t, uint64(0), req.offset)
}

func TestBlobDataRequestsNextChunkUntilComplete(t *testing.T) {
	sess, s, _ := newTestSession(t)
	sess.Activate()

	hash := ids.Hash{0x9}
	require.NoError(t, s.PutBlobInfo(hash, store.BlobInfo{Status: store.BlobDownloading, TotalSize: 20, ChunkSize: 10}))

	payload, err := Encode(BlobData{BlobHash: hash, Offset: 0, Data: make([]byte, 10)})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	_, err = sess.HandleInbound(payload, now)
	require.NoError(t, err)

	req, ok := sess.blobReqs[hash]
	require.True(t, ok)
	require.Equal(t, uint64(10), req.offset)

	payload2, err := Encode(BlobData{BlobHash: hash, Offset: 10, Data: make([]byte, 10)})
	require.NoError(t, err)
	_, err = sess.HandleInbound(payload2, now)
	require.NoError(t, err)

	_, stillPending := sess.blobReqs[hash]
	require.False(t, stillPending)
}

func TestSolvePowVerifies(t *testing.T) {
	r := store.SyncRange{Epoch: 1, MinRank: 0, MaxRank: 100}
	nonce, ok := SolvePow(r, 8, 1<<20)
	require.True(t, ok)
	require.True(t, VerifyPow(r, 8, nonce))
}

func TestVerifyPowRejectsWrongNonce(t *testing.T) {
	r := store.SyncRange{Epoch: 1, MinRank: 0, MaxRank: 100}
	require.False(t, VerifyPow(r, 32, 0))
}

func TestShardChecksumMismatchTriggersPointwiseFetch(t *testing.T) {
	sess, s, conv := newTestSession(t)
	sess.Activate()

	wire := &dagnode.WireNode{
		AuthorIdentity: sess.peer,
		AuthorDevice:   sess.peer,
		Rank:           0,
		Sequence:       1,
		EpochID:        0,
	}
	require.NoError(t, s.PutNode(conv, &dagnode.Node{Wire: wire, Payload: &dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "x"}}}, true))

	rng := store.SyncRange{Epoch: 0, MinRank: 0, MaxRank: 10}
	msg := SyncShardChecksums{Range: rng, ShardBits: ShardBits, Checksums: make([]uint64, 1<<ShardBits)}

	now := time.Unix(1700000000, 0)
	err := sess.handleReconciliation(msg, now)
	require.NoError(t, err)

	pkts := sess.t.GetPacketsToSend(now)
	require.NotEmpty(t, pkts)
}

func TestHandshakeErrorMarksSessionDead(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Activate()

	payload, err := Encode(HandshakeError{Reason: "bad version"})
	require.NoError(t, err)

	_, err = sess.HandleInbound(payload, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Equal(t, StateDead, sess.State())
}

func TestPollOnDeadSessionIsNoop(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.MarkDead()
	sess.EnqueueParentFetch(ids.Hash{0x1})
	require.Empty(t, sess.Poll(time.Unix(1700000000, 0)))
	require.Empty(t, sess.inflight)
}
