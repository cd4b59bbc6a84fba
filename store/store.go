// Package store defines the conversation-scoped persistence contract
// of §4.2: nodes, DAG shape, sequences, range queries, epoch/ratchet
// keys, blobs, the global clock-correction offset, and reconciliation
// sketches. A successful write implies the datum survives process
// termination; implementations provide that guarantee, this package
// only states the interface and an in-memory reference for tests.
//
// The interface is decomposed into small single-concern pieces —
// NodeStore, HeadStore, SequenceStore, KeyStore, RatchetStore,
// BlobStore, GlobalStore, SketchStore — composed into Store, the same
// Reader/Writer/Batch/Database decomposition the teacher applies to its
// key-value layer.
package store

import (
	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
)

// NodeStore holds decrypted/logical node content and wire (opaque,
// pre-decryption) node bytes, keyed by content hash.
type NodeStore interface {
	PutNode(conv ids.ConversationId, node *dagnode.Node, verified bool) error
	GetNode(hash ids.Hash) (*dagnode.Node, error)
	GetWireNode(hash ids.Hash) (*dagnode.WireNode, error)
	PutWireNode(conv ids.ConversationId, wire *dagnode.WireNode) error
	RemoveWireNode(hash ids.Hash) error
	MarkVerified(conv ids.ConversationId, hash ids.Hash) error
	GetSpeculativeNodes(conv ids.ConversationId) ([]ids.Hash, error)
	GetVerifiedNodesByType(conv ids.ConversationId, kind dagnode.PayloadKind) ([]ids.Hash, error)
}

// HeadStore holds a conversation's current head and admin-head
// antichains and per-node DAG-shape facts.
type HeadStore interface {
	GetHeads(conv ids.ConversationId) ([]ids.Hash, error)
	SetHeads(conv ids.ConversationId, heads []ids.Hash) error
	GetAdminHeads(conv ids.ConversationId) ([]ids.Hash, error)
	SetAdminHeads(conv ids.ConversationId, heads []ids.Hash) error
	GetRank(hash ids.Hash) (uint64, error)
	GetNodeType(hash ids.Hash) (dagnode.PayloadKind, error)
	HasChildren(hash ids.Hash) (bool, error)
	ContainsNode(hash ids.Hash) (bool, error)
	HasNode(hash ids.Hash) (bool, error)
	IsVerified(hash ids.Hash) (bool, error)
}

// SequenceStore holds per-device sequence bookkeeping and conversation
// diagnostics.
type SequenceStore interface {
	GetLastSequenceNumber(conv ids.ConversationId, device ids.DeviceId) (uint64, bool, error)
	GetNodeCounts(conv ids.ConversationId) (NodeCounts, error)
	SizeBytes() (uint64, error)
}

// RangeStore answers rank-range queries used by sync session fetch batching.
type RangeStore interface {
	GetNodeHashesInRange(conv ids.ConversationId, r SyncRange) ([]ids.Hash, error)
}

// KeyStore holds per-conversation epoch root keys and their metadata.
type KeyStore interface {
	PutConversationKey(conv ids.ConversationId, epoch uint64, key ids.EpochRootKey) error
	GetConversationKeys(conv ids.ConversationId) ([]uint64, []ids.EpochRootKey, error)
	UpdateEpochMetadata(conv ids.ConversationId, epoch uint64, meta EpochMetadata) error
	GetEpochMetadata(conv ids.ConversationId, epoch uint64) (EpochMetadata, error)
}

// RatchetStore holds per-node advanced chain keys and per-device slots.
type RatchetStore interface {
	PutRatchetKey(conv ids.ConversationId, node ids.Hash, chainKey ids.ChainKey, epoch uint64) error
	GetRatchetKey(conv ids.ConversationId, node ids.Hash) (RatchetSlot, bool, error)
	RemoveRatchetKey(conv ids.ConversationId, node ids.Hash) error
	PutDeviceSlot(conv ids.ConversationId, device ids.DeviceId, slot DeviceSlot) error
	GetDeviceSlot(conv ids.ConversationId, device ids.DeviceId) (DeviceSlot, bool, error)
}

// BlobStore holds content-addressed large payloads in fixed-size chunks.
type BlobStore interface {
	PutBlobInfo(hash ids.Hash, info BlobInfo) error
	GetBlobInfo(hash ids.Hash) (BlobInfo, error)
	HasBlob(hash ids.Hash) (bool, error)
	PutChunk(conv ids.ConversationId, hash ids.Hash, offset uint64, data []byte, proof []byte) error
	GetChunk(hash ids.Hash, offset, length uint64) ([]byte, error)
	GetChunkWithProof(hash ids.Hash, offset, length uint64) ([]byte, []byte, error)
}

// GlobalStore holds the process-wide monotonic clock correction offset.
type GlobalStore interface {
	GetGlobalOffset() (int64, error)
	SetGlobalOffset(offset int64) error
}

// SketchStore holds set-reconciliation sketches keyed by conversation and range.
type SketchStore interface {
	PutSketch(conv ids.ConversationId, r SyncRange, sketch []byte) error
	GetSketch(conv ids.ConversationId, r SyncRange) ([]byte, bool, error)
}

// Store is the full conversation-scoped persistence contract of §4.2.
type Store interface {
	NodeStore
	HeadStore
	SequenceStore
	RangeStore
	KeyStore
	RatchetStore
	BlobStore
	GlobalStore
	SketchStore
}
