package store

import "github.com/luxfi/merkle-tox/ids"

// BlobStatus tracks a content-addressed blob's download progress.
type BlobStatus uint8

const (
	BlobPending BlobStatus = iota
	BlobDownloading
	BlobAvailable
)

// BlobInfo is the metadata the store keeps for a blob independent of
// its chunk contents.
type BlobInfo struct {
	Status            BlobStatus
	TotalSize         uint64
	ChunkSize         uint32
	VerificationRoot  ids.Hash
	ReceivedChunkMask []bool // index i true iff chunk i has been written
}

// ChunkCount returns how many fixed-size chunks TotalSize divides into.
func (b BlobInfo) ChunkCount() int {
	if b.ChunkSize == 0 {
		return 0
	}
	n := b.TotalSize / uint64(b.ChunkSize)
	if b.TotalSize%uint64(b.ChunkSize) != 0 {
		n++
	}
	return int(n)
}

// RatchetSlot is a (conversation, node) chain-key entry: the key a
// content node advanced the ratchet to, before any forward-secrecy purge.
type RatchetSlot struct {
	ChainKey ids.ChainKey
	EpochID  uint64
}

// DeviceSlot is the per-(conversation, device) sequence bookkeeping
// the validator's sequence-regression check reads.
type DeviceSlot struct {
	ChainKey     ids.ChainKey
	LastSequence uint64
	LastNode     ids.Hash
	EpochID      uint64
}

// EpochMetadata is the bookkeeping kept alongside each epoch's root key.
type EpochMetadata struct {
	MessageCount   uint64
	LastRotationMs int64
}

// SyncRange bounds a rank range query to a single epoch.
type SyncRange struct {
	Epoch   uint64
	MinRank uint64
	MaxRank uint64
}

// Empty reports whether the range is reversed or otherwise contains no ranks.
func (r SyncRange) Empty() bool { return r.MinRank > r.MaxRank }

// NodeCounts is the (verified, speculative) diagnostic pair returned
// by GetNodeCounts.
type NodeCounts struct {
	Verified    int
	Speculative int
}
