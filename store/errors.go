package store

import "github.com/cockroachdb/errors"

// ErrNotFound is returned by a get-by-hash lookup that finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrBlobNotFound is the dedicated not-found error for chunk reads
// against an unknown blob, distinct from ErrNotFound so callers can
// tell "no such node" from "no such blob" apart.
var ErrBlobNotFound = errors.New("store: blob not found")

// ErrChunkOutOfRange is returned by GetChunk when the requested
// [offset, offset+length) window extends past the blob's total size.
var ErrChunkOutOfRange = errors.New("store: chunk read out of range")
