package transport

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

// Reassembler buffers a single incoming message's fragments until all
// total_fragments are received, enforcing the shared quota reservation
// estimated at allocation time.
type Reassembler struct {
	id             MessageID
	total          uint16
	chunks         [][]byte
	received       *bitset.BitSet
	receivedCount  uint16
	reservedBytes  int64
	createdAt      time.Time
	lastFragmentAt time.Time
}

// NewReassembler allocates a reassembler for a message with the given
// total fragment count, reserving estimated total size (fragmentSize ×
// total) from quota at priority. Up to fairShareRemaining bytes of that
// estimate (the session's remaining §4.9 fair-share allowance) are
// admitted unconditionally via ReserveGuaranteed; only the excess is
// subject to the priority threshold. Returns ok=false if the
// reservation was refused, in which case the caller must send a
// rejection ACK carrying its current receive window.
func NewReassembler(id MessageID, total uint16, fragmentSize int, priority Priority, quota *Quota, fairShareRemaining int64, now time.Time) (*Reassembler, bool) {
	estimate := int64(fragmentSize) * int64(total)

	guaranteed := fairShareRemaining
	if guaranteed < 0 {
		guaranteed = 0
	}
	if guaranteed > estimate {
		guaranteed = estimate
	}
	remainder := estimate - guaranteed

	if guaranteed > 0 && !quota.ReserveGuaranteed(guaranteed) {
		return nil, false
	}
	if remainder > 0 && !quota.Reserve(remainder, priority) {
		if guaranteed > 0 {
			quota.Release(guaranteed)
		}
		return nil, false
	}

	return &Reassembler{
		id:             id,
		total:          total,
		chunks:         make([][]byte, total),
		received:       bitset.New(uint(total)),
		reservedBytes:  estimate,
		createdAt:      now,
		lastFragmentAt: now,
	}, true
}

// AddFragment stores frag, reporting whether the message is now
// complete. Duplicate fragment indices are ignored.
func (r *Reassembler) AddFragment(frag Fragment, now time.Time) bool {
	if frag.FragmentIndex >= r.total {
		return false
	}
	if !r.received.Test(uint(frag.FragmentIndex)) {
		r.received.Set(uint(frag.FragmentIndex))
		r.chunks[frag.FragmentIndex] = frag.Payload
		r.receivedCount++
	}
	r.lastFragmentAt = now
	return r.receivedCount == r.total
}

// Assemble concatenates all fragment payloads in order. Callers must
// only call this once AddFragment has reported completion.
func (r *Reassembler) Assemble() []byte {
	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

// Release returns the reassembler's reservation to quota; callers
// must call this exactly once, whether the message completed, was
// dropped for memory pressure, or timed out.
func (r *Reassembler) Release(quota *Quota) {
	quota.Release(r.reservedBytes)
}

// Expired reports whether no fragment has arrived for longer than
// timeout, the per-message reassembly deadline of §4.8.
func (r *Reassembler) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.lastFragmentAt) > timeout
}
