// Package filestore is the reference persisted implementation of
// store.Store described in §4.2/§6: an append-only per-conversation
// journal replayed into an in-memory index at startup, periodic
// compaction into sorted packs, and a state file recording the active
// generation id. A torn trailing frame left by a crash mid-write is
// truncated away when the file is replayed.
package filestore

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
)

const opaqueCacheSize = 4096

type convJournal struct {
	f          *os.File
	w          *bufio.Writer
	generation uint64
}

// FileStore persists node, wire-node, verification, heads, device-slot,
// conversation-key and ratchet-key mutations to a per-conversation
// journal before applying them to an in-memory index (store.MemStore),
// so such a call has already survived a crash by the time it returns;
// the global offset is written to global.bin. Epoch metadata, sketches,
// blob info and blob chunks go only to the in-memory index and do not
// survive a restart. Reads are served from the in-memory index.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	mem      *store.MemStore
	journals map[ids.ConversationId]*convJournal
	opaque   *lru.Cache[ids.Hash, *dagnode.WireNode]
	pinned   map[ids.Hash]struct{} // anchor nodes, which RemoveWireNode leaves in place
}

var _ store.Store = (*FileStore)(nil)

// Open opens (creating if necessary) a file-backed store rooted at dir,
// replaying every conversation journal found under conversations/.
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "conversations"), 0o755); err != nil {
		return nil, errors.Wrap(err, "filestore: create conversations dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, errors.Wrap(err, "filestore: create objects dir")
	}
	cache, _ := lru.New[ids.Hash, *dagnode.WireNode](opaqueCacheSize)
	fs := &FileStore{
		dir:      dir,
		mem:      store.NewMemStore(),
		journals: make(map[ids.ConversationId]*convJournal),
		opaque:   cache,
		pinned:   make(map[ids.Hash]struct{}),
	}

	if off, err := readGlobalOffset(dir); err == nil {
		_ = fs.mem.SetGlobalOffset(off)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "conversations"))
	if err != nil {
		return nil, errors.Wrap(err, "filestore: list conversations")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(e.Name())
		if err != nil {
			continue
		}
		convHash, err := ids.HashFromSlice(raw)
		if err != nil {
			continue
		}
		conv := ids.ConversationId(convHash)
		if err := fs.replayConversation(conv); err != nil {
			return nil, errors.Wrapf(err, "filestore: replay conversation %s", conv)
		}
	}
	return fs, nil
}

// Close flushes and closes every open conversation journal.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, j := range fs.journals {
		if j.f == nil {
			continue
		}
		if err := j.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (fs *FileStore) convDir(conv ids.ConversationId) string {
	return filepath.Join(fs.dir, "conversations", ids.Hash(conv).String())
}

func (fs *FileStore) journalFor(conv ids.ConversationId) (*convJournal, error) {
	if j, ok := fs.journals[conv]; ok && j.f != nil {
		return j, nil
	}
	dir := fs.convDir(conv)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "journal.bin"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	generation := uint64(0)
	if j, ok := fs.journals[conv]; ok {
		generation = j.generation
	}
	j := &convJournal{f: f, w: bufio.NewWriter(f), generation: generation}
	fs.journals[conv] = j
	return j, nil
}

func (fs *FileStore) append(conv ids.ConversationId, rec record) error {
	j, err := fs.journalFor(conv)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(rec.encode()); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

func (fs *FileStore) replayConversation(conv ids.ConversationId) error {
	dir := fs.convDir(conv)

	generation, err := readState(dir)
	if err != nil {
		return err
	}
	for gen := uint64(0); gen < generation; gen++ {
		packPath := filepath.Join(dir, "packs", packFileName(gen))
		if err := fs.replayFrames(conv, packPath); err != nil {
			return err
		}
	}
	if generation > 0 {
		fs.journals[conv] = &convJournal{generation: generation}
	}

	return fs.replayFrames(conv, filepath.Join(dir, "journal.bin"))
}

// replayFrames applies every well-formed frame in path, treating a
// missing file as empty. A torn trailing frame (an unclean shutdown can
// leave a partial last write) ends the replay and is truncated off the
// file, so later appends start on a frame boundary.
func (fs *FileStore) replayFrames(conv ids.ConversationId, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	reader := newFrameReader(data)
	for {
		good := len(data) - reader.r.Remaining()
		rec, ok, err := reader.next()
		if err != nil || !ok {
			if good < len(data) {
				return os.Truncate(path, int64(good))
			}
			return nil
		}
		if err := fs.applyRecord(conv, rec); err != nil {
			return err
		}
	}
}

// applyRecord replays one journal record into the in-memory index.
func (fs *FileStore) applyRecord(conv ids.ConversationId, rec record) error {
	switch rec.kind {
	case recNode:
		node, verified, err := decodeNodeRecord(rec.payload)
		if err != nil {
			return err
		}
		return fs.mem.PutNode(conv, node, verified)
	case recWireNode:
		wire, err := decodeWireNodeRecord(rec.payload)
		if err != nil {
			return err
		}
		return fs.mem.PutWireNode(conv, wire)
	case recRemoveWireNode:
		return fs.mem.RemoveWireNode(rec.key)
	case recVerified:
		return fs.mem.MarkVerified(conv, rec.key)
	case recHeads:
		hashes, err := decodeHashList(rec.payload)
		if err != nil {
			return err
		}
		return fs.mem.SetHeads(conv, hashes)
	case recAdminHeads:
		hashes, err := decodeHashList(rec.payload)
		if err != nil {
			return err
		}
		return fs.mem.SetAdminHeads(conv, hashes)
	case recDeviceSlot:
		slot, err := decodeDeviceSlot(rec.payload)
		if err != nil {
			return err
		}
		var device ids.DeviceId
		copy(device[:], rec.key[:])
		return fs.mem.PutDeviceSlot(conv, device, slot)
	case recConvKey:
		epoch := binary.BigEndian.Uint64(rec.key[:8])
		var key ids.EpochRootKey
		copy(key[:], rec.payload)
		return fs.mem.PutConversationKey(conv, epoch, key)
	case recRatchetKey:
		slot, err := decodeRatchetSlot(rec.payload)
		if err != nil {
			return err
		}
		var node ids.Hash
		copy(node[:], rec.key[:])
		return fs.mem.PutRatchetKey(conv, node, slot.ChainKey, slot.EpochID)
	case recRatchetRemove:
		var node ids.Hash
		copy(node[:], rec.key[:])
		return fs.mem.RemoveRatchetKey(conv, node)
	case recGlobalOffset:
		return fs.mem.SetGlobalOffset(int64(binary.BigEndian.Uint64(rec.payload)))
	default:
		return nil
	}
}
