package transport

import (
	"math"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/log"
	"github.com/luxfi/merkle-tox/metrics"
)

// Ping cadence and liveness bounds, per §4.8.
const (
	PingIntervalActive = 10 * time.Second
	PingIntervalIdle   = 60 * time.Second
	ConnectionTimeout  = 5 * time.Minute
	DefaultMessageTimeout = 30 * time.Second
	AckDelay           = 40 * time.Millisecond
	AckCountThreshold  = 2
	AncientWindow      = 2048
	CompletedCacheSize = 1024
)

// Config configures a Session.
type Config struct {
	Quota          *Quota
	MaxPerSession  int64 // bytes; 0 defaults to FairShareGuarantee
	MessageTimeout time.Duration
	Log            log.Logger
	Metrics        *metrics.Transport
}

// ackPending tracks how many fragments have arrived for a message
// since its last ACK was sent, and when the first one arrived.
type ackPending struct {
	count     int
	firstSeen time.Time
}

// Session is a reliable, congestion-controlled transport session with
// one peer: one instance per (local, peer) pair, shared across every
// conversation synced with that peer.
type Session struct {
	mu sync.Mutex

	peer ids.PeerId
	cfg  Config

	nextMessageID MessageID
	outgoing      map[MessageID]*OutgoingMessage
	incoming      map[MessageID]*Reassembler
	completed     *lru.Cache[MessageID, struct{}]

	pendingAcks  map[MessageID]*ackPending
	pendingNacks map[MessageID]time.Time
	datagrams    []Packet

	scheduler *Scheduler
	rtt       *RTTEstimator
	cc        Controller
	limiter   *rate.Limiter

	inFlightBytes     int
	peerRwnd          int
	lastPing          time.Time
	lastActivity      time.Time
	nextPacingTime    time.Time
	zeroWindowProbes  int
	highestReceivedID MessageID
	hasHighestSeen    bool
	incomingBufBytes  int64
}

// NewSession builds a Session for peer, starting its MessageID counter
// at a random offset as §4.8 Framing requires.
func NewSession(peer ids.PeerId, cfg Config, now time.Time) *Session {
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.MaxPerSession == 0 {
		cfg.MaxPerSession = FairShareGuarantee
	}
	if cfg.Log == nil {
		cfg.Log = log.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewTransport(nil)
	}
	if cfg.Quota == nil {
		cfg.Quota = NewQuota(DefaultReassemblyBudget)
	}
	completed, _ := lru.New[MessageID, struct{}](CompletedCacheSize)
	return &Session{
		peer:          peer,
		cfg:           cfg,
		nextMessageID: MessageID(rand.Uint32()),
		outgoing:      make(map[MessageID]*OutgoingMessage),
		incoming:      make(map[MessageID]*Reassembler),
		completed:     completed,
		pendingAcks:   make(map[MessageID]*ackPending),
		pendingNacks:  make(map[MessageID]time.Time),
		scheduler:     NewScheduler(),
		rtt:           NewRTTEstimator(),
		cc:            NewAIMD(),
		limiter:       rate.NewLimiter(rate.Inf, MaxPacketSize),
		peerRwnd:      64,
		lastPing:      now,
		lastActivity:  now,
		nextPacingTime: now,
	}
}

// Peer returns the identity this session talks to.
func (s *Session) Peer() ids.PeerId { return s.peer }

// RTO returns the session's current base retransmission timeout,
// exposed so a higher layer can pace its own request retries to the
// measured path RTT instead of guessing a fixed timeout.
func (s *Session) RTO() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt.RTO()
}

// SendMessage fragments payload and enqueues it for transmission under
// priority, returning its assigned MessageID.
func (s *Session) SendMessage(payload []byte, priority Priority, now time.Time) MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMessageID
	s.nextMessageID++
	frags := Fragmentize(id, payload)
	s.outgoing[id] = NewOutgoingMessage(id, priority, frags, now, s.cfg.MessageTimeout)
	return id
}

// EnqueueDatagram queues an unreliable side-channel datagram.
func (s *Session) EnqueueDatagram(typ byte, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datagrams = append(s.datagrams, Packet{Kind: PacketDatagram, Datagram: struct {
		Type byte
		Data []byte
	}{Type: typ, Data: data}})
}

// Alive reports whether a packet has been seen within ConnectionTimeout.
func (s *Session) Alive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) <= ConnectionTimeout
}

func (s *Session) byPriority() map[Priority][]*OutgoingMessage {
	out := map[Priority][]*OutgoingMessage{}
	for _, m := range s.outgoing {
		out[m.Priority] = append(out[m.Priority], m)
	}
	return out
}

// GetPacketsToSend implements the §4.8 sending algorithm: pings,
// datagram draining, zero-window probing, priority-scheduled
// new/retransmit fragments, tail loss probes, and deferred ACK/NACK
// emission.
func (s *Session) GetPacketsToSend(now time.Time) []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var packets []Packet

	pingInterval := PingIntervalIdle
	if len(s.outgoing) > 0 || len(s.incoming) > 0 {
		pingInterval = PingIntervalActive
	}
	if now.Sub(s.lastPing) >= pingInterval {
		packets = append(packets, Packet{Kind: PacketPing, Ping: struct{ T1 int64 }{T1: now.UnixMilli()}})
		s.lastPing = now
	}

	packets = append(packets, s.datagrams...)
	s.datagrams = nil

	cwnd := s.cc.CongestionWindow()
	sentThisBurst := false

	if s.peerRwnd < 1 && len(s.outgoing) > 0 {
		if frag, ok := s.pickZeroWindowProbe(); ok {
			backoff := BackoffRTO(s.rtt.RTO(), s.zeroWindowProbes)
			if now.Sub(s.lastActivity) >= backoff || s.zeroWindowProbes == 0 {
				packets = append(packets, Packet{Kind: PacketData, Data: frag})
				s.zeroWindowProbes++
				sentThisBurst = true
			}
		}
	}

	s.applyPacingRate()

	byPrio := s.byPriority()
	for {
		msg := s.scheduler.Next(byPrio, func(m *OutgoingMessage) bool {
			return s.messageEligible(m, cwnd, sentThisBurst)
		})
		if msg == nil {
			break
		}
		frag, ok := s.nextFragmentFor(msg, cwnd, sentThisBurst)
		if !ok {
			break
		}
		if !s.limiter.AllowN(now, len(frag.Payload)+FragmentHeaderSize) {
			break // pacing budget exhausted for this opportunity
		}
		msg.MarkSent(frag.FragmentIndex, now)
		s.inFlightBytes += len(frag.Payload)
		packets = append(packets, Packet{Kind: PacketData, Data: frag})
		sentThisBurst = true
		if s.totalInFlight() >= cwnd {
			break
		}
	}

	if !sentThisBurst {
		if p, ok := s.tailLossProbe(now); ok {
			packets = append(packets, p)
		}
	}

	packets = append(packets, s.drainAcks(now)...)
	packets = append(packets, s.drainNacks(now)...)

	for id, m := range s.outgoing {
		if m.Done() {
			delete(s.outgoing, id)
		} else if m.TimedOut(now) {
			delete(s.outgoing, id)
		}
	}

	return packets
}

// applyPacingRate clamps the token-bucket limiter's refill rate to the
// congestion controller's pacing rate (+Inf for AIMD/CUBIC disables
// pacing entirely, a finite BBR-shaped rate throttles send bursts),
// per §4.8 Pacing.
func (s *Session) applyPacingRate() {
	r := s.cc.PacingRate()
	if math.IsInf(r, 1) {
		s.limiter.SetLimit(rate.Inf)
		return
	}
	s.limiter.SetLimit(rate.Limit(r))
}

func (s *Session) totalInFlight() int {
	n := 0
	for _, m := range s.outgoing {
		n += m.InFlight()
	}
	return n
}

func (s *Session) messageEligible(m *OutgoingMessage, cwnd int, sentThisBurst bool) bool {
	if !sentThisBurst {
		if _, ok := m.OldestInFlight(); ok {
			return true
		}
	}
	if s.totalInFlight() >= cwnd || s.peerRwnd <= 0 {
		return false
	}
	_, ok := m.NextFragment(cwnd-s.totalInFlight(), s.peerRwnd)
	return ok
}

func (s *Session) nextFragmentFor(m *OutgoingMessage, cwnd int, sentThisBurst bool) (Fragment, bool) {
	if !sentThisBurst {
		if idx, ok := m.OldestInFlight(); ok {
			return m.Fragments[idx], true
		}
	}
	return m.NextFragment(cwnd-s.totalInFlight(), s.peerRwnd)
}

func (s *Session) pickZeroWindowProbe() (Fragment, bool) {
	for _, m := range s.outgoing {
		if frag, ok := m.NextFragment(1, 1); ok {
			return frag, true
		}
	}
	return Fragment{}, false
}

// tailLossProbe resends the most recently sent in-flight fragment
// once its age exceeds max(1.5*srtt, 10ms), per §4.8 step 5.
func (s *Session) tailLossProbe(now time.Time) (Packet, bool) {
	threshold := s.rtt.SRTT() * 3 / 2
	if threshold < 10*time.Millisecond {
		threshold = 10 * time.Millisecond
	}
	var newest *OutgoingMessage
	var newestIdx uint16
	var newestAt time.Time
	for _, m := range s.outgoing {
		for i := range m.states {
			st := &m.states[i]
			if st.sent && !m.acked.Test(uint(i)) && st.lastSentAt.After(newestAt) {
				newest, newestIdx, newestAt = m, uint16(i), st.lastSentAt
			}
		}
	}
	if newest == nil || now.Sub(newestAt) <= threshold {
		return Packet{}, false
	}
	newest.MarkSent(newestIdx, now)
	return Packet{Kind: PacketData, Data: newest.Fragments[newestIdx]}, true
}

func (s *Session) drainAcks(now time.Time) []Packet {
	var out []Packet
	for id, pending := range s.pendingAcks {
		due := pending.count >= AckCountThreshold || now.Sub(pending.firstSeen) >= AckDelay
		if !due {
			continue
		}
		if r, ok := s.incoming[id]; ok {
			out = append(out, Packet{Kind: PacketAck, Ack: s.sackFor(r)})
		} else if _, ok := s.completed.Get(id); ok {
			out = append(out, Packet{Kind: PacketAck, Ack: SelectiveAck{MessageID: id, BaseIndex: 0xFFFF, ReceiverWindow: uint32(s.recvWindow())}})
		}
		delete(s.pendingAcks, id)
	}
	return out
}

func (s *Session) drainNacks(now time.Time) []Packet {
	nackDelay := s.rtt.SRTT() / 4
	if nackDelay < 10*time.Millisecond {
		nackDelay = 10 * time.Millisecond
	}
	var out []Packet
	for id, first := range s.pendingNacks {
		if now.Sub(first) < nackDelay {
			continue
		}
		r, ok := s.incoming[id]
		if !ok {
			delete(s.pendingNacks, id)
			continue
		}
		var missing []uint16
		for i := uint16(0); i < r.total; i++ {
			if !r.received.Test(uint(i)) {
				missing = append(missing, i)
			}
		}
		if len(missing) > 0 {
			out = append(out, Packet{Kind: PacketNack, Nack: struct {
				MessageID MessageID
				Missing   []uint16
			}{MessageID: id, Missing: missing}})
		}
		delete(s.pendingNacks, id)
	}
	return out
}

func (s *Session) sackFor(r *Reassembler) SelectiveAck {
	base := uint16(0)
	for base < r.total && r.received.Test(uint(base)) {
		base++
	}
	var mask uint64
	for i := 0; i < 64; i++ {
		idx := int(base) + 1 + i
		if idx >= int(r.total) {
			break
		}
		if r.received.Test(uint(idx)) {
			mask |= 1 << uint(i)
		}
	}
	return SelectiveAck{MessageID: r.id, BaseIndex: base, Bitmask: mask, ReceiverWindow: uint32(s.recvWindow())}
}

func (s *Session) recvWindow() int {
	w := int(s.cfg.MaxPerSession-s.incomingBufBytes) / MaxFragmentPayload
	if w < 0 {
		return 0
	}
	return w
}

// Delivery is a completed incoming message handed to the session layer.
type Delivery struct {
	MessageID MessageID
	Payload   []byte
}

// OnPacket processes one received packet, returning any newly
// completed message payloads. now advances lastActivity.
func (s *Session) OnPacket(pkt Packet, now time.Time, priorityOf func(payload []byte) Priority) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	switch pkt.Kind {
	case PacketData:
		return s.onData(pkt.Data, now, priorityOf), nil
	case PacketAck:
		s.onAck(pkt.Ack, now)
	case PacketNack:
		s.onNack(pkt.Nack.MessageID, pkt.Nack.Missing, now)
	case PacketPing:
		nowMs := now.UnixMilli()
		s.datagrams = append(s.datagrams, Packet{Kind: PacketPong, Pong: struct{ T1, T2, T3 int64 }{
			T1: pkt.Ping.T1,
			T2: nowMs,
			T3: nowMs,
		}})
	case PacketPong:
		rtt := time.Duration(now.UnixMilli()-pkt.Pong.T1) * time.Millisecond
		if rtt > 0 {
			s.rtt.Sample(rtt)
		}
	case PacketDatagram:
		// Unreliable side channel: handed to the caller out-of-band;
		// nothing to reassemble or ack.
	}
	return nil, nil
}

func (s *Session) onData(frag Fragment, now time.Time, priorityOf func([]byte) Priority) []Delivery {
	id := frag.MessageID
	if s.isAncient(id) {
		return nil
	}
	if _, ok := s.completed.Get(id); ok {
		s.notePending(id, now)
		return nil
	}
	r, ok := s.incoming[id]
	if !ok {
		prio := PriorityStandard
		if priorityOf != nil {
			prio = priorityOf(frag.Payload)
		}
		fragSize := len(frag.Payload)
		if fragSize == 0 {
			fragSize = MaxFragmentPayload
		}
		fairShareRemaining := s.cfg.MaxPerSession - s.incomingBufBytes
		nr, admitted := NewReassembler(id, frag.TotalFragments, fragSize, prio, s.cfg.Quota, fairShareRemaining, now)
		if !admitted {
			// Rejection ACK: acknowledges nothing and carries the
			// current receive window.
			s.datagrams = append(s.datagrams, Packet{Kind: PacketAck, Ack: SelectiveAck{MessageID: id, ReceiverWindow: uint32(s.recvWindow())}})
			return nil
		}
		s.incoming[id] = nr
		s.incomingBufBytes += nr.reservedBytes
		r = nr
	}
	if !s.hasHighestSeen || id > s.highestReceivedID {
		s.highestReceivedID = id
		s.hasHighestSeen = true
	}
	done := r.AddFragment(frag, now)
	s.notePending(id, now)
	if _, queued := s.pendingNacks[id]; !done && !queued {
		for i := uint16(0); i < frag.FragmentIndex; i++ {
			if !r.received.Test(uint(i)) {
				s.pendingNacks[id] = now
				break
			}
		}
	}
	if !done {
		return nil
	}
	payload := r.Assemble()
	r.Release(s.cfg.Quota)
	s.incomingBufBytes -= r.reservedBytes
	delete(s.incoming, id)
	s.completed.Add(id, struct{}{})
	return []Delivery{{MessageID: id, Payload: payload}}
}

func (s *Session) notePending(id MessageID, now time.Time) {
	p, ok := s.pendingAcks[id]
	if !ok {
		p = &ackPending{firstSeen: now}
		s.pendingAcks[id] = p
	}
	p.count++
}

// isAncient rejects ids far older than the highest seen and not
// currently pending or completed, the §4.8 anti-replay window. The
// distance is taken in serial-number order, so an id ahead of the
// highest seen is never ancient.
func (s *Session) isAncient(id MessageID) bool {
	if !s.hasHighestSeen {
		return false
	}
	if _, pending := s.incoming[id]; pending {
		return false
	}
	if _, done := s.completed.Get(id); done {
		return false
	}
	return int32(s.highestReceivedID-id) > AncientWindow
}

func (s *Session) onAck(sack SelectiveAck, now time.Time) {
	m, ok := s.outgoing[sack.MessageID]
	if !ok {
		return
	}
	s.peerRwnd = int(sack.ReceiverWindow)
	if s.peerRwnd > 0 {
		s.zeroWindowProbes = 0
	}
	newlyAcked, rttSample, hasSample := m.ApplyAck(sack, now)
	for _, idx := range newlyAcked {
		s.inFlightBytes -= len(m.Fragments[idx].Payload)
	}
	if hasSample {
		s.rtt.Sample(rttSample)
		s.cc.OnAck(rttSample, len(newlyAcked), m.InFlight(), now)
	}
	for _, idx := range m.FastRetransmitCandidates(sack) {
		m.ResetForRetransmit(idx)
		s.cfg.Metrics.FastRetransmits.Inc()
	}
	if m.Done() {
		s.cfg.Metrics.MessagesAcked.Inc()
		delete(s.outgoing, sack.MessageID)
	}
}

func (s *Session) onNack(id MessageID, missing []uint16, now time.Time) {
	m, ok := s.outgoing[id]
	if !ok {
		return
	}
	for _, idx := range missing {
		m.ResetForRetransmit(idx)
	}
	s.cc.OnNack(now)
}

// RetransmitExpired scans in-flight fragments whose per-fragment RTO
// has elapsed and resets them for resend, applying exponential
// backoff per attempt and reporting the loss to the congestion
// controller once per expired fragment.
func (s *Session) RetransmitExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.rtt.RTO()
	for _, m := range s.outgoing {
		for i := range m.states {
			st := &m.states[i]
			if !st.sent || m.acked.Test(uint(i)) {
				continue
			}
			rto := BackoffRTO(base, st.attempts-1)
			if now.Sub(st.lastSentAt) >= rto {
				m.ResetForRetransmit(uint16(i))
				s.cc.OnLoss(now)
				s.cfg.Metrics.RTOBackoffs.Inc()
			}
		}
	}
}
