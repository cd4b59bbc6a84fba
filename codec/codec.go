// Package codec implements the deterministic binary wire format of the
// conversation protocol: fixed-width integers, length-prefixed bytes,
// strings, arrays and maps, positional-array struct encoding, and
// tagged-union enums. Every concrete message type in syncsession and
// transport is encoded through a Writer and decoded through a Reader so
// that serialize/deserialize round-trips exactly and node hashing sees
// a single canonical bitstream.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ErrShortBuffer is returned by Reader methods when too few bytes remain.
var ErrShortBuffer = errors.New("codec: short buffer")

// Writer accumulates a canonical byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer, optionally pre-sized.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutFloat64(v float64) { w.PutUint64(math.Float64bits(v)) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutBytes writes a u32 length prefix followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutRaw appends b with no length prefix; used for fixed-width fields
// (hashes, keys) whose length is implied by the schema.
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

// PutString writes a u32 length prefix followed by the UTF-8 bytes.
func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

// PutArrayHeader writes the element count preceding an array.
func (w *Writer) PutArrayHeader(n int) { w.PutUint32(uint32(n)) }

// PutMapHeader writes the entry count preceding a map.
func (w *Writer) PutMapHeader(n int) { w.PutUint32(uint32(n)) }

// PutStructHeader writes the field count N preceding a struct's
// positional field array, per the wire format's struct convention.
func (w *Writer) PutStructHeader(n int) { w.PutUint32(uint32(n)) }

// Reader consumes a canonical byte stream produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) GetUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

func (r *Reader) GetFloat64() (float64, error) {
	v, err := r.GetUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint8()
	return v != 0, err
}

// GetBytes reads a u32 length prefix and that many bytes.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// GetRaw reads exactly n bytes with no length prefix.
func (r *Reader) GetRaw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) GetArrayHeader() (int, error) {
	n, err := r.GetUint32()
	return int(n), err
}

func (r *Reader) GetMapHeader() (int, error) {
	n, err := r.GetUint32()
	return int(n), err
}

func (r *Reader) GetStructHeader() (int, error) {
	n, err := r.GetUint32()
	return int(n), err
}
