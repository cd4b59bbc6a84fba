package store

import (
	"sync"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
)

type nodeRecord struct {
	conv     ids.ConversationId
	node     *dagnode.Node
	verified bool
}

type epochEntry struct {
	id  uint64
	key ids.EpochRootKey
}

type sketchKey struct {
	conv ids.ConversationId
	r    SyncRange
}

type blobRecord struct {
	info     BlobInfo
	data     []byte
	proofs   map[uint64][]byte
}

// MemStore is a non-persistent reference implementation of Store, used
// by the engine's unit tests and by anything that doesn't need
// crash-safety. It keeps no eviction policy on opaque wire nodes.
type MemStore struct {
	mu sync.RWMutex

	nodes     map[ids.Hash]nodeRecord
	wireNodes map[ids.Hash]*dagnode.WireNode
	children  map[ids.Hash]int

	heads      map[ids.ConversationId][]ids.Hash
	adminHeads map[ids.ConversationId][]ids.Hash

	deviceSlots map[ids.ConversationId]map[ids.DeviceId]DeviceSlot

	epochKeys map[ids.ConversationId][]epochEntry
	epochMeta map[ids.ConversationId]map[uint64]EpochMetadata

	ratchetKeys map[ids.ConversationId]map[ids.Hash]RatchetSlot

	blobs map[ids.Hash]*blobRecord

	globalOffset int64

	sketches map[sketchKey][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:       make(map[ids.Hash]nodeRecord),
		wireNodes:   make(map[ids.Hash]*dagnode.WireNode),
		children:    make(map[ids.Hash]int),
		heads:       make(map[ids.ConversationId][]ids.Hash),
		adminHeads:  make(map[ids.ConversationId][]ids.Hash),
		deviceSlots: make(map[ids.ConversationId]map[ids.DeviceId]DeviceSlot),
		epochKeys:   make(map[ids.ConversationId][]epochEntry),
		epochMeta:   make(map[ids.ConversationId]map[uint64]EpochMetadata),
		ratchetKeys: make(map[ids.ConversationId]map[ids.Hash]RatchetSlot),
		blobs:       make(map[ids.Hash]*blobRecord),
		sketches:    make(map[sketchKey][]byte),
	}
}

var _ Store = (*MemStore)(nil)

// --- NodeStore ---

func (m *MemStore) PutNode(conv ids.ConversationId, node *dagnode.Node, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := node.Hash()
	if _, exists := m.nodes[h]; !exists {
		for _, p := range node.Wire.Parents {
			m.children[p]++
		}
	}
	// put_node(verified=true) on a previously-speculative hash does not
	// promote; MarkVerified must be called explicitly.
	if existing, ok := m.nodes[h]; ok {
		verified = existing.verified
	}
	m.nodes[h] = nodeRecord{conv: conv, node: node, verified: verified}
	return nil
}

func (m *MemStore) GetNode(hash ids.Hash) (*dagnode.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nodes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.node, nil
}

func (m *MemStore) GetWireNode(hash ids.Hash) (*dagnode.WireNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.wireNodes[hash]; ok {
		return w, nil
	}
	if rec, ok := m.nodes[hash]; ok {
		return rec.node.Wire, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) PutWireNode(conv ids.ConversationId, wire *dagnode.WireNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wireNodes[wire.Hash()] = wire
	return nil
}

func (m *MemStore) RemoveWireNode(hash ids.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wireNodes, hash)
	return nil
}

func (m *MemStore) MarkVerified(conv ids.ConversationId, hash ids.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[hash]
	if !ok {
		return ErrNotFound
	}
	rec.verified = true
	m.nodes[hash] = rec
	return nil
}

func (m *MemStore) GetSpeculativeNodes(conv ids.ConversationId) ([]ids.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ids.Hash
	for h, rec := range m.nodes {
		if rec.conv == conv && !rec.verified {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemStore) GetVerifiedNodesByType(conv ids.ConversationId, kind dagnode.PayloadKind) ([]ids.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ids.Hash
	for h, rec := range m.nodes {
		if rec.conv == conv && rec.verified && rec.node.Type() == kind {
			out = append(out, h)
		}
	}
	return out, nil
}

// --- HeadStore ---

func (m *MemStore) GetHeads(conv ids.ConversationId) ([]ids.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ids.Hash(nil), m.heads[conv]...), nil
}

func (m *MemStore) SetHeads(conv ids.ConversationId, heads []ids.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[conv] = append([]ids.Hash(nil), heads...)
	return nil
}

func (m *MemStore) GetAdminHeads(conv ids.ConversationId) ([]ids.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ids.Hash(nil), m.adminHeads[conv]...), nil
}

func (m *MemStore) SetAdminHeads(conv ids.ConversationId, heads []ids.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminHeads[conv] = append([]ids.Hash(nil), heads...)
	return nil
}

func (m *MemStore) GetRank(hash ids.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.nodes[hash]; ok {
		return rec.node.Wire.Rank, nil
	}
	if w, ok := m.wireNodes[hash]; ok {
		return w.Rank, nil
	}
	return 0, ErrNotFound
}

func (m *MemStore) GetNodeType(hash ids.Hash) (dagnode.PayloadKind, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nodes[hash]
	if !ok {
		return 0, ErrNotFound
	}
	return rec.node.Type(), nil
}

func (m *MemStore) HasChildren(hash ids.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children[hash] > 0, nil
}

func (m *MemStore) ContainsNode(hash ids.Hash) (bool, error) {
	return m.HasNode(hash)
}

func (m *MemStore) HasNode(hash ids.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[hash]; ok {
		return true, nil
	}
	_, ok := m.wireNodes[hash]
	return ok, nil
}

func (m *MemStore) IsVerified(hash ids.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nodes[hash]
	return ok && rec.verified, nil
}

// --- SequenceStore ---

func (m *MemStore) GetLastSequenceNumber(conv ids.ConversationId, device ids.DeviceId) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slots, ok := m.deviceSlots[conv]
	if !ok {
		return 0, false, nil
	}
	slot, ok := slots[device]
	if !ok {
		return 0, false, nil
	}
	return slot.LastSequence, true, nil
}

func (m *MemStore) GetNodeCounts(conv ids.ConversationId) (NodeCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c NodeCounts
	for _, rec := range m.nodes {
		if rec.conv != conv {
			continue
		}
		if rec.verified {
			c.Verified++
		} else {
			c.Speculative++
		}
	}
	return c, nil
}

func (m *MemStore) SizeBytes() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, rec := range m.nodes {
		total += uint64(len(rec.node.Wire.EncryptedPayload))
	}
	for _, w := range m.wireNodes {
		total += uint64(len(w.EncryptedPayload))
	}
	for _, b := range m.blobs {
		total += uint64(len(b.data))
	}
	return total, nil
}

// --- RangeStore ---

func (m *MemStore) GetNodeHashesInRange(conv ids.ConversationId, r SyncRange) ([]ids.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r.Empty() {
		return nil, nil
	}
	var out []ids.Hash
	for h, rec := range m.nodes {
		if rec.conv != conv || !rec.verified {
			continue
		}
		if rec.node.Wire.EpochID != r.Epoch {
			continue
		}
		rank := rec.node.Wire.Rank
		if rank >= r.MinRank && rank <= r.MaxRank {
			out = append(out, h)
		}
	}
	return out, nil
}

// --- KeyStore ---

func (m *MemStore) PutConversationKey(conv ids.ConversationId, epoch uint64, key ids.EpochRootKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.epochKeys[conv]
	pos := len(entries)
	for i, e := range entries {
		if e.id == epoch {
			entries[i].key = key
			return nil
		}
		if e.id > epoch && pos == len(entries) {
			pos = i
		}
	}
	// Insert at pos so the list stays ascending by epoch id.
	entries = append(entries, epochEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = epochEntry{id: epoch, key: key}
	m.epochKeys[conv] = entries
	return nil
}

func (m *MemStore) GetConversationKeys(conv ids.ConversationId) ([]uint64, []ids.EpochRootKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := append([]epochEntry(nil), m.epochKeys[conv]...)
	epochIDs := make([]uint64, len(entries))
	keys := make([]ids.EpochRootKey, len(entries))
	for i, e := range entries {
		epochIDs[i] = e.id
		keys[i] = e.key
	}
	return epochIDs, keys, nil
}

func (m *MemStore) UpdateEpochMetadata(conv ids.ConversationId, epoch uint64, meta EpochMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epochMeta[conv] == nil {
		m.epochMeta[conv] = make(map[uint64]EpochMetadata)
	}
	m.epochMeta[conv][epoch] = meta
	return nil
}

func (m *MemStore) GetEpochMetadata(conv ids.ConversationId, epoch uint64) (EpochMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.epochMeta[conv][epoch]
	if !ok {
		return EpochMetadata{}, ErrNotFound
	}
	return meta, nil
}

// --- RatchetStore ---

func (m *MemStore) PutRatchetKey(conv ids.ConversationId, node ids.Hash, chainKey ids.ChainKey, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ratchetKeys[conv] == nil {
		m.ratchetKeys[conv] = make(map[ids.Hash]RatchetSlot)
	}
	m.ratchetKeys[conv][node] = RatchetSlot{ChainKey: chainKey, EpochID: epoch}
	return nil
}

func (m *MemStore) GetRatchetKey(conv ids.ConversationId, node ids.Hash) (RatchetSlot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.ratchetKeys[conv][node]
	return slot, ok, nil
}

func (m *MemStore) RemoveRatchetKey(conv ids.ConversationId, node ids.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ratchetKeys[conv], node)
	return nil
}

func (m *MemStore) PutDeviceSlot(conv ids.ConversationId, device ids.DeviceId, slot DeviceSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceSlots[conv] == nil {
		m.deviceSlots[conv] = make(map[ids.DeviceId]DeviceSlot)
	}
	m.deviceSlots[conv][device] = slot
	return nil
}

func (m *MemStore) GetDeviceSlot(conv ids.ConversationId, device ids.DeviceId) (DeviceSlot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.deviceSlots[conv][device]
	return slot, ok, nil
}

// --- BlobStore ---

func (m *MemStore) PutBlobInfo(hash ids.Hash, info BlobInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.blobs[hash]
	if !ok {
		rec = &blobRecord{proofs: make(map[uint64][]byte)}
		m.blobs[hash] = rec
	}
	rec.info = info
	if uint64(len(rec.data)) < info.TotalSize {
		grown := make([]byte, info.TotalSize)
		copy(grown, rec.data)
		rec.data = grown
	}
	return nil
}

func (m *MemStore) GetBlobInfo(hash ids.Hash) (BlobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.blobs[hash]
	if !ok {
		return BlobInfo{}, ErrBlobNotFound
	}
	return rec.info, nil
}

func (m *MemStore) HasBlob(hash ids.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

func (m *MemStore) PutChunk(conv ids.ConversationId, hash ids.Hash, offset uint64, data []byte, proof []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.blobs[hash]
	if !ok {
		return ErrBlobNotFound
	}
	end := offset + uint64(len(data))
	if end > uint64(len(rec.data)) {
		grown := make([]byte, end)
		copy(grown, rec.data)
		rec.data = grown
	}
	copy(rec.data[offset:end], data)

	chunkIdx := offset / uint64(rec.info.ChunkSize)
	for uint64(len(rec.info.ReceivedChunkMask)) <= chunkIdx {
		rec.info.ReceivedChunkMask = append(rec.info.ReceivedChunkMask, false)
	}
	rec.info.ReceivedChunkMask[chunkIdx] = true
	if proof != nil {
		rec.proofs[offset] = proof
	}
	return nil
}

func (m *MemStore) GetChunk(hash ids.Hash, offset, length uint64) ([]byte, error) {
	data, _, err := m.getChunkImpl(hash, offset, length)
	return data, err
}

func (m *MemStore) GetChunkWithProof(hash ids.Hash, offset, length uint64) ([]byte, []byte, error) {
	return m.getChunkImpl(hash, offset, length)
}

func (m *MemStore) getChunkImpl(hash ids.Hash, offset, length uint64) ([]byte, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.blobs[hash]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	if offset > rec.info.TotalSize || offset+length > rec.info.TotalSize {
		return nil, nil, ErrChunkOutOfRange
	}
	if length == 0 {
		return []byte{}, nil, nil
	}
	out := make([]byte, length)
	copy(out, rec.data[offset:offset+length])
	return out, rec.proofs[offset], nil
}

// --- GlobalStore ---

func (m *MemStore) GetGlobalOffset() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalOffset, nil
}

func (m *MemStore) SetGlobalOffset(offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalOffset = offset
	return nil
}

// --- SketchStore ---

func (m *MemStore) PutSketch(conv ids.ConversationId, r SyncRange, sketch []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sketches[sketchKey{conv: conv, r: r}] = append([]byte(nil), sketch...)
	return nil
}

func (m *MemStore) GetSketch(conv ids.ConversationId, r SyncRange) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sketches[sketchKey{conv: conv, r: r}]
	return s, ok, nil
}
