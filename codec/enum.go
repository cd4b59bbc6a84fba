package codec

// Enum wire convention: a unit variant (no fields) serializes as a bare
// u32 tag; a variant carrying fields serializes as the 2-element array
// [tag, payload], where a single-field variant's payload is the field
// itself (unwrapped), not a 1-element struct.

// PutEnumUnit writes a unit variant's bare tag.
func PutEnumUnit(w *Writer, tag uint32) {
	w.PutUint32(tag)
}

// GetEnumTag reads the leading variant tag shared by both enum forms;
// callers dispatch on it to decide whether a payload follows.
func GetEnumTag(r *Reader) (uint32, error) {
	return r.GetUint32()
}

// PutEnumValueHeader writes the tag half of a [tag, payload] variant;
// the caller encodes the payload immediately afterward.
func PutEnumValueHeader(w *Writer, tag uint32) {
	w.PutUint32(tag)
}
