package codec

import "github.com/cockroachdb/errors"

// ValueTag discriminates a self-describing Value on the wire. Concrete
// message types with a fixed, known schema never pay this tag — it
// exists so SkipValue (and option/forward-compatible fields) can
// advance past arbitrary values without a schema.
type ValueTag uint8

const (
	TagUnit ValueTag = iota
	TagUint64
	TagInt64
	TagFloat64
	TagBool
	TagBytes
	TagString
	TagArray
	TagMap
	TagStruct
	TagEnumUnit
	TagEnumValue
	TagInstant
)

var errUnknownTag = errors.New("codec: unknown value tag")

// SkipValue advances r past one self-describing tagged value without
// interpreting it, used for forward-compatible option handling: a
// reader that doesn't understand a newer field's contents can still
// find the next field.
func SkipValue(r *Reader) error {
	tagByte, err := r.GetUint8()
	if err != nil {
		return err
	}
	switch ValueTag(tagByte) {
	case TagUnit, TagBool:
		_, err = r.GetUint8()
		return err
	case TagUint64, TagInt64, TagFloat64:
		_, err = r.GetUint64()
		return err
	case TagInstant:
		if _, err = r.GetInt64(); err != nil {
			return err
		}
		_, err = r.GetInt64()
		return err
	case TagBytes, TagString:
		_, err = r.GetBytes()
		return err
	case TagArray:
		n, err := r.GetArrayHeader()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := SkipValue(r); err != nil {
				return err
			}
		}
		return nil
	case TagMap:
		n, err := r.GetMapHeader()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := SkipValue(r); err != nil {
				return err
			}
			if err := SkipValue(r); err != nil {
				return err
			}
		}
		return nil
	case TagStruct:
		n, err := r.GetStructHeader()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := SkipValue(r); err != nil {
				return err
			}
		}
		return nil
	case TagEnumUnit:
		_, err = r.GetUint32()
		return err
	case TagEnumValue:
		if _, err = r.GetUint32(); err != nil {
			return err
		}
		return SkipValue(r)
	default:
		return errors.Wrapf(errUnknownTag, "tag=%d", tagByte)
	}
}

// PutTaggedBytes writes a self-describing bytes value.
func PutTaggedBytes(w *Writer, b []byte) {
	w.PutUint8(uint8(TagBytes))
	w.PutBytes(b)
}

// GetTaggedBytes reads a self-describing bytes value, erroring if the
// tag on the wire isn't TagBytes.
func GetTaggedBytes(r *Reader) ([]byte, error) {
	tagByte, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	if ValueTag(tagByte) != TagBytes {
		return nil, errors.Wrapf(errUnknownTag, "expected TagBytes, got %d", tagByte)
	}
	return r.GetBytes()
}
