package syncsession

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luxfi/merkle-tox/engine"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/log"
	"github.com/luxfi/merkle-tox/store"
	"github.com/luxfi/merkle-tox/transport"
)

// State is the session's lifecycle per §4.7.
type State int

const (
	StateHandshake State = iota
	StateActive
	StateDead
)

// MaxInflightFetches bounds concurrent outstanding FetchBatchReq hashes.
const MaxInflightFetches = 64

// FetchTimeoutAttempts is how many times a fetch is sent, the first
// send included, before Poll abandons it. An abandoned fetch is
// dropped; it is not re-enqueued.
const FetchTimeoutAttempts = 5

type pendingFetch struct {
	sentAt   time.Time
	attempts int
}

// Session is a peer's sync session for one conversation: it owns the
// Handshake/Active/Dead state machine, heads-diffing, fetch batching,
// and set reconciliation, riding the reliable transport.Session shared
// across every conversation synced with that peer. It satisfies
// engine.Session so the engine can drive it directly.
type Session struct {
	mu sync.Mutex

	peer ids.IdentityId
	conv ids.ConversationId
	st   store.Store
	eng  *engine.Engine
	t    *transport.Session
	log  log.Logger

	state State

	localHeads    []ids.Hash
	headsDirty    bool
	lastHeadsSent time.Time

	remoteHeads       []ids.Hash
	remoteHeadsSeenAt time.Time

	inflight       map[ids.Hash]*pendingFetch
	pendingParents []ids.Hash
	lastActivity   time.Time

	recon map[store.SyncRange]*recon

	// powGroup collapses concurrent SolvePow calls for the same range
	// (e.g. a retried ReconPowChallenge arriving while the previous
	// solve is still running) into a single CPU-bound search.
	powGroup singleflight.Group

	blobReqs map[ids.Hash]blobRequest
}

// blobRequest tracks an outstanding BlobReq this session sent, so the
// matching BlobData can be written to the right offset.
type blobRequest struct {
	offset uint64
	length uint64
}

// New returns a Handshake-state session for (peer, conv), riding t.
func New(peer ids.IdentityId, conv ids.ConversationId, eng *engine.Engine, st store.Store, t *transport.Session, lg log.Logger) *Session {
	if lg == nil {
		lg = log.Nop()
	}
	return &Session{
		peer:     peer,
		conv:     conv,
		st:       st,
		eng:      eng,
		t:        t,
		log:      lg,
		state:    StateHandshake,
		inflight: make(map[ids.Hash]*pendingFetch),
	}
}

// Peer implements engine.Session.
func (s *Session) Peer() ids.IdentityId { return s.peer }

// EnqueueParentFetch implements engine.Session: the engine calls this
// when validating a node discovers a parent it doesn't have locally.
func (s *Session) EnqueueParentFetch(hash ids.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, inflight := s.inflight[hash]; inflight {
		return
	}
	for _, h := range s.pendingParents {
		if h == hash {
			return
		}
	}
	s.pendingParents = append(s.pendingParents, hash)
}

// Activate transitions Handshake → Active once CapsAck is received.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
}

// MarkDead transitions the session to Dead, e.g. on idle timeout or a
// transport-level error. Poll then does nothing; in-flight and queued
// fetches are not handed back to the engine or to any other session.
func (s *Session) MarkDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDead
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NoteHeadsChanged marks the local head set dirty so the next Poll
// re-advertises it via SyncHeads.
func (s *Session) NoteHeadsChanged(heads []ids.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localHeads = heads
	s.headsDirty = true
}

// send encodes msg and hands it to the transport session at priority.
func (s *Session) send(msg interface{ MessageTag() uint8 }, priority transport.Priority, now time.Time) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	s.t.SendMessage(b, priority, now)
	return nil
}

// Poll implements engine.Session: it retries unanswered fetches using
// the transport's measured RTO, drains queued parent fetches into
// FetchBatchReq batches bounded by MaxInflightFetches, and advertises
// SyncHeads when the local head set has changed.
func (s *Session) Poll(now time.Time) []engine.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead {
		return nil
	}

	rto := s.t.RTO()
	for hash, pf := range s.inflight {
		if now.Sub(pf.sentAt) < rto {
			continue
		}
		if pf.attempts >= FetchTimeoutAttempts {
			delete(s.inflight, hash)
			s.log.Warn("abandoning fetch after max attempts", zap.Stringer("hash", hash))
			continue
		}
		pf.attempts++
		pf.sentAt = now
		if err := s.send(FetchBatchReq{Hashes: []ids.Hash{hash}}, transport.PriorityStandard, now); err != nil {
			s.log.Warn("fetch retry send failed", zap.Error(err))
		}
	}

	for len(s.pendingParents) > 0 && len(s.inflight) < MaxInflightFetches {
		hash := s.pendingParents[0]
		s.pendingParents = s.pendingParents[1:]
		if _, already := s.inflight[hash]; already {
			continue
		}
		s.inflight[hash] = &pendingFetch{sentAt: now, attempts: 1}
		if err := s.send(FetchBatchReq{Hashes: []ids.Hash{hash}}, transport.PriorityStandard, now); err != nil {
			s.log.Warn("fetch send failed", zap.Error(err))
		}
	}

	if s.headsDirty {
		if err := s.send(SyncHeads{Conversation: s.conv, Heads: s.localHeads}, transport.PriorityStandard, now); err != nil {
			s.log.Warn("heads advertise failed", zap.Error(err))
		}
		s.headsDirty = false
		s.lastHeadsSent = now
	}

	return nil
}

// HandleInbound decodes one delivered payload and applies it: heads
// diffing enqueues fetches, FetchBatchReq responds with MerkleNode,
// MerkleNode is handed to the engine, and so on. Effects the host must
// apply (store writes, verification notifications) are returned.
func (s *Session) HandleInbound(payload []byte, now time.Time) ([]engine.Effect, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()

	switch m := msg.(type) {
	case CapsAnnounce:
		if err := s.send(CapsAck{ProtocolVersion: ProtocolVersion, Accepted: m.ProtocolVersion == ProtocolVersion}, transport.PriorityCritical, now); err != nil {
			return nil, err
		}
		return nil, nil
	case CapsAck:
		if m.Accepted {
			s.Activate()
		}
		return nil, nil
	case SyncHeads:
		return nil, s.handleSyncHeads(m, now)
	case FetchBatchReq:
		return nil, s.handleFetchBatchReq(m, now)
	case MerkleNode:
		effects, err := s.eng.HandleNode(s.conv, m.Wire, s.peer)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		delete(s.inflight, m.Wire.Hash())
		s.mu.Unlock()
		return effects, nil
	case SyncSketch, SyncShardChecksums, SyncReconFail, ReconPowChallenge, ReconPowSolution:
		return nil, s.handleReconciliation(msg, now)
	case BlobQuery, BlobAvail, BlobReq, BlobData:
		return nil, s.handleBlob(msg, now)
	case HandshakeError:
		s.MarkDead()
		return nil, nil
	default:
		return nil, nil
	}
}

// handleSyncHeads diffs the peer's advertised heads against local
// state, enqueuing FetchBatchReq for anything missing.
func (s *Session) handleSyncHeads(m SyncHeads, now time.Time) error {
	s.mu.Lock()
	s.remoteHeads = m.Heads
	s.remoteHeadsSeenAt = now
	s.mu.Unlock()

	var toFetch []ids.Hash
	for _, h := range m.Heads {
		has, err := s.st.HasNode(h)
		if err != nil {
			return err
		}
		if !has {
			toFetch = append(toFetch, h)
		}
	}
	if len(toFetch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range toFetch {
		if _, already := s.inflight[h]; already {
			continue
		}
		s.pendingParents = append(s.pendingParents, h)
	}
	return nil
}

// handleFetchBatchReq answers with a MerkleNode per requested hash
// the local store actually has.
func (s *Session) handleFetchBatchReq(m FetchBatchReq, now time.Time) error {
	for _, h := range m.Hashes {
		wire, err := s.st.GetWireNode(h)
		if err != nil {
			continue // not found locally; peer will retry or ask elsewhere
		}
		if err := s.send(MerkleNode{Wire: wire}, transport.PriorityStandard, now); err != nil {
			return err
		}
	}
	return nil
}

// RequestBlob asks the peer whether it has hash, the first step of the
// query/avail/req/data blob dataplane of §4.7.
func (s *Session) RequestBlob(hash ids.Hash, now time.Time) error {
	return s.send(BlobQuery{BlobHash: hash}, transport.PriorityBulk, now)
}

// handleBlob dispatches the blob-dataplane message family.
func (s *Session) handleBlob(msg interface{ MessageTag() uint8 }, now time.Time) error {
	switch m := msg.(type) {
	case BlobQuery:
		have, err := s.st.HasBlob(m.BlobHash)
		if err != nil {
			return err
		}
		size := uint64(0)
		if have {
			if info, err := s.st.GetBlobInfo(m.BlobHash); err == nil {
				size = info.TotalSize
			}
		}
		return s.send(BlobAvail{BlobHash: m.BlobHash, Have: have, Size: size}, transport.PriorityBulk, now)
	case BlobAvail:
		if !m.Have {
			return nil
		}
		const chunkReqSize = 64 * 1024
		s.mu.Lock()
		if s.blobReqs == nil {
			s.blobReqs = make(map[ids.Hash]blobRequest)
		}
		s.blobReqs[m.BlobHash] = blobRequest{offset: 0, length: chunkReqSize}
		s.mu.Unlock()
		return s.send(BlobReq{BlobHash: m.BlobHash, Offset: 0, Length: chunkReqSize}, transport.PriorityBulk, now)
	case BlobReq:
		data, err := s.st.GetChunk(m.BlobHash, m.Offset, m.Length)
		if err != nil {
			return err
		}
		return s.send(BlobData{BlobHash: m.BlobHash, Offset: m.Offset, Data: data}, transport.PriorityBulk, now)
	case BlobData:
		info, err := s.st.GetBlobInfo(m.BlobHash)
		if err != nil {
			return err
		}
		if err := s.st.PutChunk(s.conv, m.BlobHash, m.Offset, m.Data, nil); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.blobReqs, m.BlobHash)
		s.mu.Unlock()
		next := m.Offset + uint64(len(m.Data))
		if next >= info.TotalSize {
			return nil
		}
		length := uint64(info.ChunkSize)
		if length == 0 {
			length = 64 * 1024
		}
		if remaining := info.TotalSize - next; length > remaining {
			length = remaining
		}
		s.mu.Lock()
		if s.blobReqs == nil {
			s.blobReqs = make(map[ids.Hash]blobRequest)
		}
		s.blobReqs[m.BlobHash] = blobRequest{offset: next, length: length}
		s.mu.Unlock()
		return s.send(BlobReq{BlobHash: m.BlobHash, Offset: next, Length: length}, transport.PriorityBulk, now)
	}
	return nil
}
