package filestore

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/ids"
)

// Compact rewrites conv's journal into a sorted pack file plus a fanout
// index, then starts a fresh journal under the next generation id. The
// pack is written and state.bin names the new generation before the
// old journal is removed, so a crash mid-compaction replays either the
// old journal alone or the pack followed by the same journal again,
// which is harmless because every replayed record is idempotent.
func (fs *FileStore) Compact(conv ids.ConversationId) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.convDir(conv)
	path := filepath.Join(dir, "journal.bin")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	records := make([]record, 0, 64)
	reader := newFrameReader(data)
	for {
		rec, ok, err := reader.next()
		if err != nil || !ok {
			break
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return string(records[i].key[:]) < string(records[j].key[:])
	})

	j, ok := fs.journals[conv]
	oldGeneration := uint64(0)
	if ok {
		oldGeneration = j.generation
	}
	newGeneration := oldGeneration + 1

	if err := os.MkdirAll(filepath.Join(dir, "packs"), 0o755); err != nil {
		return err
	}
	packPath := filepath.Join(dir, "packs", packFileName(oldGeneration))
	if err := writePack(packPath, records); err != nil {
		return err
	}
	if err := fs.writeState(conv, newGeneration); err != nil {
		return err
	}

	if ok && j.f != nil {
		j.w.Flush()
		j.f.Close()
	}
	fs.journals[conv] = &convJournal{generation: newGeneration}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func packFileName(generation uint64) string {
	return "gen" + itoa(generation) + ".pack"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// writePack serialises records (already sorted by key) as a data file
// plus an .idx file holding each record's byte offset in the pack,
// followed by a 256-entry fanout that maps a first key byte to one plus
// the index of the first record starting with it (0 when none does),
// matching packs/<id>.pack + .idx from §4.2/§6.
func writePack(path string, records []record) error {
	dataW := codec.NewWriter(4096)
	offsets := make([]uint32, len(records))
	for i, rec := range records {
		offsets[i] = uint32(dataW.Len())
		enc := rec.encode()
		dataW.PutRaw(enc)
	}
	if err := os.WriteFile(path, dataW.Bytes(), 0o644); err != nil {
		return err
	}

	var fanout [256]uint32
	for i, rec := range records {
		b := rec.key[0]
		if fanout[b] == 0 {
			fanout[b] = uint32(i) + 1
		}
	}
	idxW := codec.NewWriter(4 + 256*4 + 4*len(offsets))
	idxW.PutArrayHeader(len(offsets))
	for _, off := range offsets {
		idxW.PutUint32(off)
	}
	for _, f := range fanout {
		idxW.PutUint32(f)
	}
	return os.WriteFile(path+".idx", idxW.Bytes(), 0o644)
}

// writeState persists state.bin: heads, admin heads and the active
// generation id, so a restart knows which packs plus journal are
// authoritative for a conversation. Per-epoch message counts and
// rotation times are not persisted: UpdateEpochMetadata changes only
// the in-memory index.
func (fs *FileStore) writeState(conv ids.ConversationId, generation uint64) error {
	heads, _ := fs.mem.GetHeads(conv)
	adminHeads, _ := fs.mem.GetAdminHeads(conv)

	w := codec.NewWriter(256)
	w.PutArrayHeader(len(heads))
	for _, h := range heads {
		w.PutRaw(h[:])
	}
	w.PutArrayHeader(len(adminHeads))
	for _, h := range adminHeads {
		w.PutRaw(h[:])
	}
	w.PutUint64(generation)

	path := filepath.Join(fs.convDir(conv), "state.bin")
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "filestore: write state file")
	}
	if j, ok := fs.journals[conv]; ok {
		j.generation = generation
	}
	return nil
}

// readState returns the active generation id recorded in state.bin, or
// 0 if the conversation has never been compacted.
func readState(dir string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(dir, "state.bin"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	r := codec.NewReader(b)
	n, err := r.GetArrayHeader()
	if err != nil {
		return 0, err
	}
	if _, err := r.GetRaw(32 * n); err != nil {
		return 0, err
	}
	n, err = r.GetArrayHeader()
	if err != nil {
		return 0, err
	}
	if _, err := r.GetRaw(32 * n); err != nil {
		return 0, err
	}
	return r.GetUint64()
}
