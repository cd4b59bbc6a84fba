package filestore

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/luxfi/merkle-tox/codec"
)

// frameReader walks a journal's concatenated records, stopping
// cleanly (ok=false) at the first incomplete trailing frame rather
// than erroring, since an unclean shutdown can leave a torn write.
type frameReader struct {
	r *codec.Reader
}

func newFrameReader(data []byte) *frameReader {
	return &frameReader{r: codec.NewReader(data)}
}

func (fr *frameReader) next() (record, bool, error) {
	if fr.r.Remaining() == 0 {
		return record{}, false, nil
	}
	if fr.r.Remaining() < 4 {
		return record{}, false, nil
	}
	rec, err := decodeRecord(fr.r)
	if err != nil {
		return record{}, false, nil
	}
	return rec, true, nil
}

func readGlobalOffset(dir string) (int64, error) {
	b, err := os.ReadFile(filepath.Join(dir, "global.bin"))
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, os.ErrInvalid
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func writeGlobalOffset(dir string, offset int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(offset))
	return os.WriteFile(filepath.Join(dir, "global.bin"), b[:], 0o644)
}
