// Package syncsession implements the per-(peer, conversation) protocol
// of §4.7: a Handshake→Active→Dead state machine driving heads
// exchange, fetch batching, and set reconciliation over the reliable
// transport, with parent-fetch requests fed in by the engine.
package syncsession

import (
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
)

// Message tags, one per wire message of §4.7's protocol table. These
// satisfy engine.ProtocolMessage via MessageTag().
const (
	TagCapsAnnounce uint8 = iota
	TagCapsAck
	TagSyncHeads
	TagFetchBatchReq
	TagMerkleNode
	TagSyncSketch
	TagSyncShardChecksums
	TagSyncReconFail
	TagBlobQuery
	TagBlobAvail
	TagBlobReq
	TagBlobData
	TagReconPowChallenge
	TagReconPowSolution
	TagHandshakeError
)

// ProtocolVersion is this session's supported wire version.
const ProtocolVersion = 1

// CapsAnnounce opens the handshake, advertising protocol version and
// optional feature support.
type CapsAnnounce struct {
	ProtocolVersion  uint32
	SupportsSketches bool
	SupportsBlobs    bool
}

func (CapsAnnounce) MessageTag() uint8 { return TagCapsAnnounce }

// CapsAck answers CapsAnnounce, accepting or rejecting the peer's version.
type CapsAck struct {
	ProtocolVersion uint32
	Accepted        bool
}

func (CapsAck) MessageTag() uint8 { return TagCapsAck }

// SyncHeads advertises the sender's current head set for conv.
type SyncHeads struct {
	Conversation ids.ConversationId
	Heads        []ids.Hash
	Flags        uint32
}

func (SyncHeads) MessageTag() uint8 { return TagSyncHeads }

// FetchBatchReq requests specific nodes by hash.
type FetchBatchReq struct {
	Hashes []ids.Hash
}

func (FetchBatchReq) MessageTag() uint8 { return TagFetchBatchReq }

// MerkleNode supplies one opaque wire node in response to a fetch.
type MerkleNode struct {
	Wire *dagnode.WireNode
}

func (MerkleNode) MessageTag() uint8 { return TagMerkleNode }

// SyncSketch carries a set-reconciliation sketch for range.
type SyncSketch struct {
	Range  store.SyncRange
	Sketch []byte
}

func (SyncSketch) MessageTag() uint8 { return TagSyncSketch }

// SyncShardChecksums carries per-shard digests as a sketch-decode fallback.
type SyncShardChecksums struct {
	Range      store.SyncRange
	ShardBits  uint8
	Checksums  []uint64
}

func (SyncShardChecksums) MessageTag() uint8 { return TagSyncShardChecksums }

// SyncReconFail signals the sketch could not be decoded; the peer
// should fall back to shard checksums or point-wise fetch.
type SyncReconFail struct {
	Range store.SyncRange
}

func (SyncReconFail) MessageTag() uint8 { return TagSyncReconFail }

// BlobQuery asks whether hash is available from the peer.
type BlobQuery struct{ BlobHash ids.Hash }

func (BlobQuery) MessageTag() uint8 { return TagBlobQuery }

// BlobAvail answers a BlobQuery.
type BlobAvail struct {
	BlobHash ids.Hash
	Have     bool
	Size     uint64
}

func (BlobAvail) MessageTag() uint8 { return TagBlobAvail }

// BlobReq requests one chunk of a blob.
type BlobReq struct {
	BlobHash ids.Hash
	Offset   uint64
	Length   uint64
}

func (BlobReq) MessageTag() uint8 { return TagBlobReq }

// BlobData supplies one chunk of a blob.
type BlobData struct {
	BlobHash ids.Hash
	Offset   uint64
	Data     []byte
}

func (BlobData) MessageTag() uint8 { return TagBlobData }

// ReconPowChallenge demands proof-of-work before a costly
// reconciliation, rate-limiting expensive recon per §4.7.
type ReconPowChallenge struct {
	Range      store.SyncRange
	Difficulty uint8
	Nonce      uint64
}

func (ReconPowChallenge) MessageTag() uint8 { return TagReconPowChallenge }

// ReconPowSolution answers a ReconPowChallenge.
type ReconPowSolution struct {
	Range store.SyncRange
	Nonce uint64
}

func (ReconPowSolution) MessageTag() uint8 { return TagReconPowSolution }

// HandshakeError aborts a handshake or active session with a reason.
type HandshakeError struct{ Reason string }

func (HandshakeError) MessageTag() uint8 { return TagHandshakeError }

// Encode serializes msg into its tagged wire form.
func Encode(msg interface{ MessageTag() uint8 }) ([]byte, error) {
	w := codec.NewWriter(128)
	w.PutUint8(msg.MessageTag())
	switch m := msg.(type) {
	case CapsAnnounce:
		w.PutUint32(m.ProtocolVersion)
		w.PutBool(m.SupportsSketches)
		w.PutBool(m.SupportsBlobs)
	case CapsAck:
		w.PutUint32(m.ProtocolVersion)
		w.PutBool(m.Accepted)
	case SyncHeads:
		w.PutRaw(m.Conversation[:])
		putHashes(w, m.Heads)
		w.PutUint32(m.Flags)
	case FetchBatchReq:
		putHashes(w, m.Hashes)
	case MerkleNode:
		w.PutBytes(m.Wire.Encode())
	case SyncSketch:
		putRange(w, m.Range)
		w.PutBytes(m.Sketch)
	case SyncShardChecksums:
		putRange(w, m.Range)
		w.PutUint8(m.ShardBits)
		w.PutArrayHeader(len(m.Checksums))
		for _, c := range m.Checksums {
			w.PutUint64(c)
		}
	case SyncReconFail:
		putRange(w, m.Range)
	case BlobQuery:
		w.PutRaw(m.BlobHash[:])
	case BlobAvail:
		w.PutRaw(m.BlobHash[:])
		w.PutBool(m.Have)
		w.PutUint64(m.Size)
	case BlobReq:
		w.PutRaw(m.BlobHash[:])
		w.PutUint64(m.Offset)
		w.PutUint64(m.Length)
	case BlobData:
		w.PutRaw(m.BlobHash[:])
		w.PutUint64(m.Offset)
		w.PutBytes(m.Data)
	case ReconPowChallenge:
		putRange(w, m.Range)
		w.PutUint8(m.Difficulty)
		w.PutUint64(m.Nonce)
	case ReconPowSolution:
		putRange(w, m.Range)
		w.PutUint64(m.Nonce)
	case HandshakeError:
		w.PutString(m.Reason)
	default:
		return nil, errors.Newf("syncsession: unknown message type %T", msg)
	}
	return w.Bytes(), nil
}

// Decode parses a tagged wire message into its concrete type.
func Decode(b []byte) (interface{ MessageTag() uint8 }, error) {
	r := codec.NewReader(b)
	tag, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagCapsAnnounce:
		version, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		sketches, err := r.GetBool()
		if err != nil {
			return nil, err
		}
		blobs, err := r.GetBool()
		if err != nil {
			return nil, err
		}
		return CapsAnnounce{ProtocolVersion: version, SupportsSketches: sketches, SupportsBlobs: blobs}, nil
	case TagCapsAck:
		version, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		accepted, err := r.GetBool()
		if err != nil {
			return nil, err
		}
		return CapsAck{ProtocolVersion: version, Accepted: accepted}, nil
	case TagSyncHeads:
		var conv ids.ConversationId
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		copy(conv[:], raw)
		heads, err := getHashes(r)
		if err != nil {
			return nil, err
		}
		flags, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		return SyncHeads{Conversation: conv, Heads: heads, Flags: flags}, nil
	case TagFetchBatchReq:
		hashes, err := getHashes(r)
		if err != nil {
			return nil, err
		}
		return FetchBatchReq{Hashes: hashes}, nil
	case TagMerkleNode:
		b, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		wire, err := dagnode.DecodeWireNode(b)
		if err != nil {
			return nil, err
		}
		return MerkleNode{Wire: wire}, nil
	case TagSyncSketch:
		rng, err := getRange(r)
		if err != nil {
			return nil, err
		}
		sketch, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		return SyncSketch{Range: rng, Sketch: sketch}, nil
	case TagSyncShardChecksums:
		rng, err := getRange(r)
		if err != nil {
			return nil, err
		}
		bits, err := r.GetUint8()
		if err != nil {
			return nil, err
		}
		n, err := r.GetArrayHeader()
		if err != nil {
			return nil, err
		}
		checksums := make([]uint64, n)
		for i := range checksums {
			v, err := r.GetUint64()
			if err != nil {
				return nil, err
			}
			checksums[i] = v
		}
		return SyncShardChecksums{Range: rng, ShardBits: bits, Checksums: checksums}, nil
	case TagSyncReconFail:
		rng, err := getRange(r)
		if err != nil {
			return nil, err
		}
		return SyncReconFail{Range: rng}, nil
	case TagBlobQuery:
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var h ids.Hash
		copy(h[:], raw)
		return BlobQuery{BlobHash: h}, nil
	case TagBlobAvail:
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var h ids.Hash
		copy(h[:], raw)
		have, err := r.GetBool()
		if err != nil {
			return nil, err
		}
		size, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		return BlobAvail{BlobHash: h, Have: have, Size: size}, nil
	case TagBlobReq:
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var h ids.Hash
		copy(h[:], raw)
		offset, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		length, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		return BlobReq{BlobHash: h, Offset: offset, Length: length}, nil
	case TagBlobData:
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var h ids.Hash
		copy(h[:], raw)
		offset, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		data, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		return BlobData{BlobHash: h, Offset: offset, Data: data}, nil
	case TagReconPowChallenge:
		rng, err := getRange(r)
		if err != nil {
			return nil, err
		}
		difficulty, err := r.GetUint8()
		if err != nil {
			return nil, err
		}
		nonce, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		return ReconPowChallenge{Range: rng, Difficulty: difficulty, Nonce: nonce}, nil
	case TagReconPowSolution:
		rng, err := getRange(r)
		if err != nil {
			return nil, err
		}
		nonce, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		return ReconPowSolution{Range: rng, Nonce: nonce}, nil
	case TagHandshakeError:
		reason, err := r.GetString()
		if err != nil {
			return nil, err
		}
		return HandshakeError{Reason: reason}, nil
	default:
		return nil, errors.Newf("syncsession: unknown message tag %d", tag)
	}
}

func putHashes(w *codec.Writer, hashes []ids.Hash) {
	w.PutArrayHeader(len(hashes))
	for _, h := range hashes {
		w.PutRaw(h[:])
	}
}

func getHashes(r *codec.Reader) ([]ids.Hash, error) {
	n, err := r.GetArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]ids.Hash, n)
	for i := range out {
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		copy(out[i][:], raw)
	}
	return out, nil
}

func putRange(w *codec.Writer, r store.SyncRange) {
	w.PutUint64(r.Epoch)
	w.PutUint64(r.MinRank)
	w.PutUint64(r.MaxRank)
}

func getRange(r *codec.Reader) (store.SyncRange, error) {
	epoch, err := r.GetUint64()
	if err != nil {
		return store.SyncRange{}, err
	}
	min, err := r.GetUint64()
	if err != nil {
		return store.SyncRange{}, err
	}
	max, err := r.GetUint64()
	if err != nil {
		return store.SyncRange{}, err
	}
	return store.SyncRange{Epoch: epoch, MinRank: min, MaxRank: max}, nil
}
