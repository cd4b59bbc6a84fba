package syncsession

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
	"github.com/luxfi/merkle-tox/transport"
)

// ShardBits controls how many shards a range's hash set is split into
// for SyncShardChecksums: 2^ShardBits shards, each a rolled xxhash of
// its member hashes. This stands in for a full invertible-Bloom-lookup
// reconciliation sketch: it can only ever detect "this shard differs"
// and trigger a point-wise fetch of the whole shard's range, never
// decode the symmetric difference directly. Good enough to bound
// reconciliation traffic for the conversation sizes this protocol
// targets, at the cost of coarser fetches on a mismatch.
const ShardBits = 6

// shardChecksums buckets hashes into 2^ShardBits shards by their low
// bits and folds each shard with xxhash into one checksum.
func shardChecksums(hashes []ids.Hash) []uint64 {
	n := 1 << ShardBits
	sums := make([]uint64, n)
	for _, h := range hashes {
		shard := h[0] & byte(n-1)
		sums[shard] = sums[shard]*1099511628211 ^ xxhash.Sum64(h[:])
	}
	return sums
}

// PowDifficultyDefault is the default number of required leading zero
// bits in VerifyPow, cheap enough that a legitimate peer solves it in
// well under a second but expensive enough to deter reconciliation
// flooding from an unauthenticated peer.
const PowDifficultyDefault = 18

// powInput builds the byte string a proof-of-work hash is taken over:
// the range's bounds concatenated with the trial nonce.
func powInput(r store.SyncRange, nonce uint64) []byte {
	b := make([]byte, 8*3+8)
	putUint64(b[0:8], r.Epoch)
	putUint64(b[8:16], r.MinRank)
	putUint64(b[16:24], r.MaxRank)
	putUint64(b[24:32], nonce)
	return b
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// leadingZeroBits counts the number of leading zero bits in sum.
func leadingZeroBits(sum uint64) int {
	n := 0
	for i := 63; i >= 0; i-- {
		if sum&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// SolvePow searches for a nonce whose powInput hash has at least
// difficulty leading zero bits, giving up after maxTries.
func SolvePow(r store.SyncRange, difficulty int, maxTries uint64) (uint64, bool) {
	for nonce := uint64(0); nonce < maxTries; nonce++ {
		if leadingZeroBits(xxhash.Sum64(powInput(r, nonce))) >= difficulty {
			return nonce, true
		}
	}
	return 0, false
}

// VerifyPow reports whether nonce solves the proof-of-work challenge
// for range r at difficulty.
func VerifyPow(r store.SyncRange, difficulty int, nonce uint64) bool {
	return leadingZeroBits(xxhash.Sum64(powInput(r, nonce))) >= difficulty
}

// recon tracks an in-progress reconciliation this session initiated,
// so the SyncShardChecksums/SyncReconFail reply can be matched back to
// the range it answers.
type recon struct {
	startedAt time.Time
	nonce     uint64
	solved    bool
}

// StartReconcile begins reconciling r against the peer: it solves the
// proof-of-work for r itself and sends ReconPowSolution, or
// SyncReconFail when no solution is found within the search bound. A
// peer that accepts the solution replies with its shard checksums,
// which this session then diffs against its own.
func (s *Session) StartReconcile(r store.SyncRange, now time.Time) error {
	s.mu.Lock()
	if s.recon == nil {
		s.recon = make(map[store.SyncRange]*recon)
	}
	s.recon[r] = &recon{startedAt: now}
	s.mu.Unlock()

	nonce, ok := s.solvePowDeduped(r, PowDifficultyDefault)
	if !ok {
		return s.send(SyncReconFail{Range: r}, transport.PriorityBulk, now)
	}
	return s.send(ReconPowSolution{Range: r, Nonce: nonce}, transport.PriorityBulk, now)
}

// solvePowDeduped runs SolvePow through the session's singleflight
// group, so a retried challenge for the same range while a solve is
// already running reuses that search instead of starting a second one.
func (s *Session) solvePowDeduped(r store.SyncRange, difficulty int) (uint64, bool) {
	key := fmt.Sprintf("%d:%d:%d:%d", r.Epoch, r.MinRank, r.MaxRank, difficulty)
	v, err, _ := s.powGroup.Do(key, func() (interface{}, error) {
		nonce, ok := SolvePow(r, difficulty, 1<<24)
		if !ok {
			return nil, errNoPowSolution
		}
		return nonce, nil
	})
	if err != nil {
		return 0, false
	}
	return v.(uint64), true
}

var errNoPowSolution = errors.New("syncsession: no proof-of-work solution found within search bound")

// handleReconciliation dispatches the recon-family messages decoded by
// HandleInbound.
func (s *Session) handleReconciliation(msg interface{ MessageTag() uint8 }, now time.Time) error {
	switch m := msg.(type) {
	case ReconPowChallenge:
		nonce, ok := s.solvePowDeduped(m.Range, int(m.Difficulty))
		if !ok {
			return s.send(SyncReconFail{Range: m.Range}, transport.PriorityBulk, now)
		}
		return s.send(ReconPowSolution{Range: m.Range, Nonce: nonce}, transport.PriorityBulk, now)
	case ReconPowSolution:
		if !VerifyPow(m.Range, PowDifficultyDefault, m.Nonce) {
			return s.send(HandshakeError{Reason: "invalid reconciliation proof of work"}, transport.PriorityCritical, now)
		}
		hashes, err := s.st.GetNodeHashesInRange(s.conv, m.Range)
		if err != nil {
			return err
		}
		return s.send(SyncShardChecksums{Range: m.Range, ShardBits: ShardBits, Checksums: shardChecksums(hashes)}, transport.PriorityBulk, now)
	case SyncShardChecksums:
		return s.diffShardChecksums(m, now)
	case SyncSketch:
		// No sketch decoder is implemented; treat any sketch as
		// undecodable and fall back to the shard-checksum path.
		return s.send(SyncReconFail{Range: m.Range}, transport.PriorityBulk, now)
	case SyncReconFail:
		hashes, err := s.st.GetNodeHashesInRange(s.conv, m.Range)
		if err != nil {
			return err
		}
		return s.send(SyncShardChecksums{Range: m.Range, ShardBits: ShardBits, Checksums: shardChecksums(hashes)}, transport.PriorityBulk, now)
	}
	return nil
}

// diffShardChecksums compares the peer's shard checksums against this
// session's own, enqueuing a full point-wise fetch of the range when
// any shard differs (the coarse fallback the shard-checksum scheme
// trades for not decoding an exact symmetric difference).
func (s *Session) diffShardChecksums(m SyncShardChecksums, now time.Time) error {
	s.mu.Lock()
	delete(s.recon, m.Range)
	s.mu.Unlock()

	local, err := s.st.GetNodeHashesInRange(s.conv, m.Range)
	if err != nil {
		return err
	}
	localSums := shardChecksums(local)
	mismatch := false
	for i, sum := range localSums {
		if i >= len(m.Checksums) || sum != m.Checksums[i] {
			mismatch = true
			break
		}
	}
	if !mismatch {
		return nil
	}
	return s.send(FetchBatchReq{Hashes: local}, transport.PriorityBulk, now)
}
