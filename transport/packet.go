// Package transport implements the reliable, congestion-controlled
// datagram transport of §4.8: per-peer fragmentation and reassembly of
// logical messages, selective-ack retransmission, RTO estimation, and
// a pluggable congestion controller, plus the shared reassembly quota
// of §4.9.
package transport

import (
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/codec"
)

// MaxPacketSize bounds a single on-wire packet, mirroring an MTU-sized
// reliable datagram transport; fragment payloads are sized to fit
// under this minus framing overhead.
const MaxPacketSize = 1200

// FragmentHeaderSize is the encoded size of a Data packet's header:
// kind (1) + message id (4) + fragment index (2) + total fragments (2)
// + the payload's u32 length prefix (4).
const FragmentHeaderSize = 1 + 4 + 2 + 2 + 4

// MaxFragmentPayload is the largest payload a single Data fragment may carry.
const MaxFragmentPayload = MaxPacketSize - FragmentHeaderSize

// Priority tags a logical message for the sender's scheduler and the
// receiver's reassembly quota admission (§4.8/§4.9).
type Priority uint8

const (
	PriorityBulk Priority = iota
	PriorityStandard
	PriorityCritical
)

// PacketKind tags the variant of an on-wire Packet.
type PacketKind uint8

const (
	PacketData PacketKind = iota
	PacketAck
	PacketNack
	PacketPing
	PacketPong
	PacketDatagram
)

// MessageID is a per-session logical-message counter, randomly offset
// at session start (§4.8 Framing).
type MessageID uint32

// Fragment is one slice of a fragmented logical message.
type Fragment struct {
	MessageID      MessageID
	FragmentIndex  uint16
	TotalFragments uint16
	Payload        []byte
}

// SelectiveAck acknowledges fragments of one message: everything below
// BaseIndex cumulatively, plus BaseIndex+1+i for each set bit i.
type SelectiveAck struct {
	MessageID  MessageID
	BaseIndex  uint16
	Bitmask    uint64
	ReceiverWindow uint32 // fragments
}

// Packet is the decoded form of anything sent over the transport.
type Packet struct {
	Kind PacketKind

	Data Fragment

	Ack SelectiveAck

	Nack struct {
		MessageID MessageID
		Missing   []uint16
	}

	Ping struct{ T1 int64 }
	Pong struct{ T1, T2, T3 int64 }

	Datagram struct {
		Type byte
		Data []byte
	}
}

func EncodePacket(p Packet) []byte {
	w := codec.NewWriter(64)
	w.PutUint8(uint8(p.Kind))
	switch p.Kind {
	case PacketData:
		w.PutUint32(uint32(p.Data.MessageID))
		w.PutUint16(p.Data.FragmentIndex)
		w.PutUint16(p.Data.TotalFragments)
		w.PutBytes(p.Data.Payload)
	case PacketAck:
		w.PutUint32(uint32(p.Ack.MessageID))
		w.PutUint16(p.Ack.BaseIndex)
		w.PutUint64(p.Ack.Bitmask)
		w.PutUint32(p.Ack.ReceiverWindow)
	case PacketNack:
		w.PutUint32(uint32(p.Nack.MessageID))
		w.PutArrayHeader(len(p.Nack.Missing))
		for _, idx := range p.Nack.Missing {
			w.PutUint16(idx)
		}
	case PacketPing:
		w.PutInt64(p.Ping.T1)
	case PacketPong:
		w.PutInt64(p.Pong.T1)
		w.PutInt64(p.Pong.T2)
		w.PutInt64(p.Pong.T3)
	case PacketDatagram:
		w.PutUint8(p.Datagram.Type)
		w.PutBytes(p.Datagram.Data)
	}
	return w.Bytes()
}

func DecodePacket(b []byte) (Packet, error) {
	r := codec.NewReader(b)
	kind, err := r.GetUint8()
	if err != nil {
		return Packet{}, err
	}
	var p Packet
	p.Kind = PacketKind(kind)
	switch p.Kind {
	case PacketData:
		id, err := r.GetUint32()
		if err != nil {
			return Packet{}, err
		}
		idx, err := r.GetUint16()
		if err != nil {
			return Packet{}, err
		}
		total, err := r.GetUint16()
		if err != nil {
			return Packet{}, err
		}
		payload, err := r.GetBytes()
		if err != nil {
			return Packet{}, err
		}
		p.Data = Fragment{MessageID: MessageID(id), FragmentIndex: idx, TotalFragments: total, Payload: payload}
	case PacketAck:
		id, err := r.GetUint32()
		if err != nil {
			return Packet{}, err
		}
		base, err := r.GetUint16()
		if err != nil {
			return Packet{}, err
		}
		mask, err := r.GetUint64()
		if err != nil {
			return Packet{}, err
		}
		rwnd, err := r.GetUint32()
		if err != nil {
			return Packet{}, err
		}
		p.Ack = SelectiveAck{MessageID: MessageID(id), BaseIndex: base, Bitmask: mask, ReceiverWindow: rwnd}
	case PacketNack:
		id, err := r.GetUint32()
		if err != nil {
			return Packet{}, err
		}
		n, err := r.GetArrayHeader()
		if err != nil {
			return Packet{}, err
		}
		missing := make([]uint16, n)
		for i := range missing {
			v, err := r.GetUint16()
			if err != nil {
				return Packet{}, err
			}
			missing[i] = v
		}
		p.Nack.MessageID = MessageID(id)
		p.Nack.Missing = missing
	case PacketPing:
		t1, err := r.GetInt64()
		if err != nil {
			return Packet{}, err
		}
		p.Ping.T1 = t1
	case PacketPong:
		t1, err := r.GetInt64()
		if err != nil {
			return Packet{}, err
		}
		t2, err := r.GetInt64()
		if err != nil {
			return Packet{}, err
		}
		t3, err := r.GetInt64()
		if err != nil {
			return Packet{}, err
		}
		p.Pong.T1, p.Pong.T2, p.Pong.T3 = t1, t2, t3
	case PacketDatagram:
		typ, err := r.GetUint8()
		if err != nil {
			return Packet{}, err
		}
		data, err := r.GetBytes()
		if err != nil {
			return Packet{}, err
		}
		p.Datagram.Type = typ
		p.Datagram.Data = data
	default:
		return Packet{}, errors.Newf("transport: unknown packet kind %d", kind)
	}
	return p, nil
}

// Fragmentize splits payload into fragments of at most
// MaxFragmentPayload bytes, assigning id and total-fragment count.
func Fragmentize(id MessageID, payload []byte) []Fragment {
	if len(payload) == 0 {
		return []Fragment{{MessageID: id, FragmentIndex: 0, TotalFragments: 1, Payload: payload}}
	}
	total := (len(payload) + MaxFragmentPayload - 1) / MaxFragmentPayload
	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxFragmentPayload
		end := start + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{
			MessageID:      id,
			FragmentIndex:  uint16(i),
			TotalFragments: uint16(total),
			Payload:        payload[start:end],
		})
	}
	return frags
}
