package transport

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

// fragmentState is per-fragment sender bookkeeping.
type fragmentState struct {
	sent        bool
	acked       bool
	lastSentAt  time.Time
	firstSentAt time.Time // Karn's algorithm: RTT samples use this only
	attempts    int
	nackStreak  int // consecutive selective-ack hits beyond this hole
}

// OutgoingMessage tracks one logical message's fragments from first
// send through full ack.
type OutgoingMessage struct {
	ID         MessageID
	Priority   Priority
	Fragments  []Fragment
	states     []fragmentState
	acked      *bitset.BitSet
	nextUnsent uint16
	inFlight   int
	createdAt  time.Time
	messageTimeout time.Duration
}

// NewOutgoingMessage builds sender state for frags, all sharing id and
// priority.
func NewOutgoingMessage(id MessageID, priority Priority, frags []Fragment, now time.Time, messageTimeout time.Duration) *OutgoingMessage {
	return &OutgoingMessage{
		ID:             id,
		Priority:       priority,
		Fragments:      frags,
		states:         make([]fragmentState, len(frags)),
		acked:          bitset.New(uint(len(frags))),
		createdAt:      now,
		messageTimeout: messageTimeout,
	}
}

// Done reports whether every fragment has been acked.
func (m *OutgoingMessage) Done() bool {
	return int(m.acked.Count()) == len(m.Fragments)
}

// TimedOut reports whether the message has exceeded its overall
// per-message timeout (default 30s, §4.8).
func (m *OutgoingMessage) TimedOut(now time.Time) bool {
	return !m.Done() && now.Sub(m.createdAt) > m.messageTimeout
}

// NextFragment returns the next never-sent fragment within cwnd/rwnd,
// or ok=false if none remains or the window is exhausted.
func (m *OutgoingMessage) NextFragment(cwndRemaining, rwndRemaining int) (Fragment, bool) {
	if cwndRemaining <= 0 || rwndRemaining <= 0 {
		return Fragment{}, false
	}
	for int(m.nextUnsent) < len(m.Fragments) {
		idx := m.nextUnsent
		if m.states[idx].sent {
			m.nextUnsent++
			continue
		}
		return m.Fragments[idx], true
	}
	return Fragment{}, false
}

// MarkSent records idx as transmitted at now.
func (m *OutgoingMessage) MarkSent(idx uint16, now time.Time) {
	s := &m.states[idx]
	if !s.sent {
		s.firstSentAt = now
		s.sent = true
		m.inFlight++
	}
	s.lastSentAt = now
	s.attempts++
	if idx == m.nextUnsent {
		m.nextUnsent++
	}
}

// ApplyAck marks fragments newly acked by sack, returning the RTT
// sample from the oldest newly-acked fragment's first transmission
// (Karn's algorithm: only first-transmission timestamps count), if any.
func (m *OutgoingMessage) ApplyAck(sack SelectiveAck, now time.Time) (newlyAcked []uint16, rttSample time.Duration, hasSample bool) {
	markAcked := func(idx uint16) {
		if int(idx) >= len(m.states) || m.acked.Test(uint(idx)) {
			return
		}
		m.acked.Set(uint(idx))
		newlyAcked = append(newlyAcked, idx)
		if m.states[idx].sent {
			m.inFlight--
		}
		if m.states[idx].attempts == 1 && !hasSample {
			rttSample = now.Sub(m.states[idx].firstSentAt)
			hasSample = true
		}
	}
	for i := 0; i < int(sack.BaseIndex) && i < len(m.states); i++ {
		markAcked(uint16(i))
	}
	for bit := 0; bit < 64; bit++ {
		if sack.Bitmask&(1<<uint(bit)) != 0 {
			markAcked(sack.BaseIndex + 1 + uint16(bit))
		}
	}
	return newlyAcked, rttSample, hasSample
}

// FastRetransmitCandidates returns fragment indices that three
// subsequent fragments have selectively acked around (§4.8 fast
// retransmit: the 3-ack rule), recording each hole's count in
// nackStreak.
func (m *OutgoingMessage) FastRetransmitCandidates(sack SelectiveAck) []uint16 {
	var out []uint16
	for bit := 0; bit < 64; bit++ {
		idx := int(sack.BaseIndex) + 1 + bit
		if idx >= len(m.states) {
			break
		}
		if m.acked.Test(uint(idx)) {
			continue
		}
		if sack.Bitmask&(1<<uint(bit)) != 0 {
			continue // this index itself is acked
		}
		// Count how many later indices within this sack are acked,
		// i.e. fragments observed to have arrived past this hole.
		streak := 0
		for j := bit + 1; j < 64; j++ {
			if sack.Bitmask&(1<<uint(j)) != 0 {
				streak++
			}
		}
		m.states[idx].nackStreak = streak
		if streak >= 3 {
			out = append(out, uint16(idx))
		}
	}
	return out
}

// ResetForRetransmit clears idx's sent flag so it is eligible for
// resend on the next NextFragment/scheduler pass. MarkSent treats a
// reset fragment as a fresh send, so its prior in-flight accounting is
// released here to avoid double-counting it.
func (m *OutgoingMessage) ResetForRetransmit(idx uint16) {
	if int(idx) >= len(m.states) {
		return
	}
	if m.states[idx].sent && !m.acked.Test(uint(idx)) {
		m.inFlight--
	}
	// The attempt count is kept, so backoff keeps growing and Karn's
	// rule keeps the resend out of RTT sampling.
	m.states[idx] = fragmentState{attempts: m.states[idx].attempts}
	if idx < m.nextUnsent {
		m.nextUnsent = idx
	}
}

// OldestInFlight returns the fragment index at the highest cumulative
// ack boundary still unacked, the "oldest hole" §4.8 permits to bypass
// cwnd/rwnd once per burst to break head-of-line deadlocks.
func (m *OutgoingMessage) OldestInFlight() (uint16, bool) {
	for i := 0; i < len(m.states); i++ {
		if m.states[i].sent && !m.acked.Test(uint(i)) {
			return uint16(i), true
		}
	}
	return 0, false
}

// InFlight reports the count of sent-but-unacked fragments.
func (m *OutgoingMessage) InFlight() int { return m.inFlight }
