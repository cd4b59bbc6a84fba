package codec

import (
	"time"

	"github.com/luxfi/merkle-tox/timeprovider"
)

// PutInstant serializes instant as (delta_to_now_µs, wall_clock_ms) so
// that restarts and peer clock skew don't scramble it: delta is how far
// in the past (or future, if negative) instant is relative to p's
// current instant, and wall_clock_ms is p's current wall clock. A
// receiver with a different p reconstructs the instant relative to its
// own clock rather than trusting the sender's raw timestamp.
func PutInstant(w *Writer, p timeprovider.Provider, instant time.Time) {
	delta := p.NowInstant().Sub(instant)
	w.PutUint8(uint8(TagInstant))
	w.PutInt64(delta.Microseconds())
	w.PutInt64(p.NowSystemMs())
}

// GetInstant deserializes an instant written by PutInstant, reconstructing
// it relative to p's current instant: the raw delta is adjusted by the
// difference between the sender's and receiver's wall clocks, and the
// result is clamped so it never lands in the receiver's future.
func GetInstant(r *Reader, p timeprovider.Provider) (time.Time, error) {
	tagByte, err := r.GetUint8()
	if err != nil {
		return time.Time{}, err
	}
	if ValueTag(tagByte) != TagInstant {
		return time.Time{}, errUnknownTag
	}
	deltaMicros, err := r.GetInt64()
	if err != nil {
		return time.Time{}, err
	}
	senderWallMs, err := r.GetInt64()
	if err != nil {
		return time.Time{}, err
	}

	localNow := p.NowInstant()
	localWallMs := p.NowSystemMs()
	skew := time.Duration(localWallMs-senderWallMs) * time.Millisecond

	reconstructed := localNow.Add(-time.Duration(deltaMicros) * time.Microsecond).Add(-skew)
	if reconstructed.After(localNow) {
		reconstructed = localNow
	}
	return reconstructed, nil
}
