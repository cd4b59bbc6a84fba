package filestore

import (
	"encoding/binary"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
)

// --- NodeStore ---

func (fs *FileStore) PutNode(conv ids.ConversationId, node *dagnode.Node, verified bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recNode, key: node.Hash(), payload: encodeNodeRecord(node, verified)}); err != nil {
		return err
	}
	return fs.mem.PutNode(conv, node, verified)
}

func (fs *FileStore) GetNode(hash ids.Hash) (*dagnode.Node, error) { return fs.mem.GetNode(hash) }

func (fs *FileStore) GetWireNode(hash ids.Hash) (*dagnode.WireNode, error) {
	fs.mu.Lock()
	if w, ok := fs.opaque.Get(hash); ok {
		fs.mu.Unlock()
		return w, nil
	}
	fs.mu.Unlock()
	return fs.mem.GetWireNode(hash)
}

func (fs *FileStore) PutWireNode(conv ids.ConversationId, wire *dagnode.WireNode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recWireNode, key: wire.Hash(), payload: encodeWireNodeRecord(wire)}); err != nil {
		return err
	}
	fs.opaque.Add(wire.Hash(), wire)
	return fs.mem.PutWireNode(conv, wire)
}

// PinAnchor marks hash as the conversation's anchor admin node, which
// RemoveWireNode then leaves in place. The opaque LRU is only a read
// cache in front of the in-memory index, which keeps every wire node;
// pinning does not affect that cache, and the opaque region has no
// size bound.
func (fs *FileStore) PinAnchor(hash ids.Hash) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pinned[hash] = struct{}{}
}

func (fs *FileStore) RemoveWireNode(hash ids.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, isPinned := fs.pinned[hash]; isPinned {
		return nil
	}
	fs.opaque.Remove(hash)
	var conv ids.ConversationId // no conversation needed to key the record
	if err := fs.append(conv, record{kind: recRemoveWireNode, key: hash}); err != nil {
		return err
	}
	return fs.mem.RemoveWireNode(hash)
}

func (fs *FileStore) MarkVerified(conv ids.ConversationId, hash ids.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recVerified, key: hash}); err != nil {
		return err
	}
	return fs.mem.MarkVerified(conv, hash)
}

func (fs *FileStore) GetSpeculativeNodes(conv ids.ConversationId) ([]ids.Hash, error) {
	return fs.mem.GetSpeculativeNodes(conv)
}

func (fs *FileStore) GetVerifiedNodesByType(conv ids.ConversationId, kind dagnode.PayloadKind) ([]ids.Hash, error) {
	return fs.mem.GetVerifiedNodesByType(conv, kind)
}

// --- HeadStore ---

func (fs *FileStore) GetHeads(conv ids.ConversationId) ([]ids.Hash, error) { return fs.mem.GetHeads(conv) }

func (fs *FileStore) SetHeads(conv ids.ConversationId, heads []ids.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recHeads, payload: encodeHashList(heads)}); err != nil {
		return err
	}
	return fs.mem.SetHeads(conv, heads)
}

func (fs *FileStore) GetAdminHeads(conv ids.ConversationId) ([]ids.Hash, error) {
	return fs.mem.GetAdminHeads(conv)
}

func (fs *FileStore) SetAdminHeads(conv ids.ConversationId, heads []ids.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recAdminHeads, payload: encodeHashList(heads)}); err != nil {
		return err
	}
	return fs.mem.SetAdminHeads(conv, heads)
}

func (fs *FileStore) GetRank(hash ids.Hash) (uint64, error)                  { return fs.mem.GetRank(hash) }
func (fs *FileStore) GetNodeType(hash ids.Hash) (dagnode.PayloadKind, error) { return fs.mem.GetNodeType(hash) }
func (fs *FileStore) HasChildren(hash ids.Hash) (bool, error)                { return fs.mem.HasChildren(hash) }
func (fs *FileStore) ContainsNode(hash ids.Hash) (bool, error)               { return fs.mem.ContainsNode(hash) }
func (fs *FileStore) HasNode(hash ids.Hash) (bool, error)                    { return fs.mem.HasNode(hash) }
func (fs *FileStore) IsVerified(hash ids.Hash) (bool, error)                 { return fs.mem.IsVerified(hash) }

// --- SequenceStore ---

func (fs *FileStore) GetLastSequenceNumber(conv ids.ConversationId, device ids.DeviceId) (uint64, bool, error) {
	return fs.mem.GetLastSequenceNumber(conv, device)
}
func (fs *FileStore) GetNodeCounts(conv ids.ConversationId) (store.NodeCounts, error) {
	return fs.mem.GetNodeCounts(conv)
}
func (fs *FileStore) SizeBytes() (uint64, error) { return fs.mem.SizeBytes() }

// --- RangeStore ---

func (fs *FileStore) GetNodeHashesInRange(conv ids.ConversationId, r store.SyncRange) ([]ids.Hash, error) {
	return fs.mem.GetNodeHashesInRange(conv, r)
}

// --- KeyStore ---

func (fs *FileStore) PutConversationKey(conv ids.ConversationId, epoch uint64, key ids.EpochRootKey) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var k [32]byte
	binary.BigEndian.PutUint64(k[:8], epoch)
	if err := fs.append(conv, record{kind: recConvKey, key: k, payload: key[:]}); err != nil {
		return err
	}
	return fs.mem.PutConversationKey(conv, epoch, key)
}

func (fs *FileStore) GetConversationKeys(conv ids.ConversationId) ([]uint64, []ids.EpochRootKey, error) {
	return fs.mem.GetConversationKeys(conv)
}
func (fs *FileStore) UpdateEpochMetadata(conv ids.ConversationId, epoch uint64, meta store.EpochMetadata) error {
	return fs.mem.UpdateEpochMetadata(conv, epoch, meta)
}
func (fs *FileStore) GetEpochMetadata(conv ids.ConversationId, epoch uint64) (store.EpochMetadata, error) {
	return fs.mem.GetEpochMetadata(conv, epoch)
}

// --- RatchetStore ---

func (fs *FileStore) PutRatchetKey(conv ids.ConversationId, node ids.Hash, chainKey ids.ChainKey, epoch uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recRatchetKey, key: node, payload: encodeRatchetSlot(store.RatchetSlot{ChainKey: chainKey, EpochID: epoch})}); err != nil {
		return err
	}
	return fs.mem.PutRatchetKey(conv, node, chainKey, epoch)
}

func (fs *FileStore) GetRatchetKey(conv ids.ConversationId, node ids.Hash) (store.RatchetSlot, bool, error) {
	return fs.mem.GetRatchetKey(conv, node)
}

func (fs *FileStore) RemoveRatchetKey(conv ids.ConversationId, node ids.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.append(conv, record{kind: recRatchetRemove, key: node}); err != nil {
		return err
	}
	return fs.mem.RemoveRatchetKey(conv, node)
}

func (fs *FileStore) PutDeviceSlot(conv ids.ConversationId, device ids.DeviceId, slot store.DeviceSlot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var key [32]byte
	copy(key[:], device[:])
	if err := fs.append(conv, record{kind: recDeviceSlot, key: key, payload: encodeDeviceSlot(slot)}); err != nil {
		return err
	}
	return fs.mem.PutDeviceSlot(conv, device, slot)
}

func (fs *FileStore) GetDeviceSlot(conv ids.ConversationId, device ids.DeviceId) (store.DeviceSlot, bool, error) {
	return fs.mem.GetDeviceSlot(conv, device)
}

// --- BlobStore ---
//
// Blob chunk bytes are content-addressed and conversation-independent
// (§3 "Blobs"), so they are kept only in the in-memory index here
// rather than journaled per conversation; a production deployment
// would add a dedicated objects/ writer parallel to the conversation
// journal, tracked as a follow-up rather than built speculatively here.

func (fs *FileStore) PutBlobInfo(hash ids.Hash, info store.BlobInfo) error { return fs.mem.PutBlobInfo(hash, info) }
func (fs *FileStore) GetBlobInfo(hash ids.Hash) (store.BlobInfo, error)    { return fs.mem.GetBlobInfo(hash) }
func (fs *FileStore) HasBlob(hash ids.Hash) (bool, error)                 { return fs.mem.HasBlob(hash) }
func (fs *FileStore) PutChunk(conv ids.ConversationId, hash ids.Hash, offset uint64, data []byte, proof []byte) error {
	return fs.mem.PutChunk(conv, hash, offset, data, proof)
}
func (fs *FileStore) GetChunk(hash ids.Hash, offset, length uint64) ([]byte, error) {
	return fs.mem.GetChunk(hash, offset, length)
}
func (fs *FileStore) GetChunkWithProof(hash ids.Hash, offset, length uint64) ([]byte, []byte, error) {
	return fs.mem.GetChunkWithProof(hash, offset, length)
}

// --- GlobalStore ---

func (fs *FileStore) GetGlobalOffset() (int64, error) { return fs.mem.GetGlobalOffset() }

func (fs *FileStore) SetGlobalOffset(offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := writeGlobalOffset(fs.dir, offset); err != nil {
		return err
	}
	return fs.mem.SetGlobalOffset(offset)
}

// --- SketchStore ---

func (fs *FileStore) PutSketch(conv ids.ConversationId, r store.SyncRange, sketch []byte) error {
	return fs.mem.PutSketch(conv, r, sketch)
}
func (fs *FileStore) GetSketch(conv ids.ConversationId, r store.SyncRange) ([]byte, bool, error) {
	return fs.mem.GetSketch(conv, r)
}
