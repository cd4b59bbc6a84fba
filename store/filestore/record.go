package filestore

import (
	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/store"
)

// recordKind tags a journal frame's payload, matching §6's
// `{len u32, hash [32], type u8, payload}` framing: key carries the
// record's natural 32-byte key (a node hash, a device key, or zero
// when the record type has none) and is always present so a reader
// can index records without decoding the payload.
type recordKind uint8

const (
	recNode recordKind = iota
	recWireNode
	recVerified
	recRemoveWireNode
	recHeads
	recAdminHeads
	recDeviceSlot
	recConvKey
	recEpochMeta
	recRatchetKey
	recRatchetRemove
	recGlobalOffset
	recSketch
)

type record struct {
	kind    recordKind
	key     [32]byte
	payload []byte
}

func (r record) encode() []byte {
	w := codec.NewWriter(len(r.payload) + 64)
	w.PutUint32(uint32(1 + 32 + len(r.payload)))
	w.PutRaw(r.key[:])
	w.PutUint8(uint8(r.kind))
	w.PutRaw(r.payload)
	return w.Bytes()
}

// decodeRecord reads one frame from r, returning the reader's
// short-buffer error when the data ends before the frame does.
func decodeRecord(r *codec.Reader) (record, error) {
	n, err := r.GetUint32()
	if err != nil {
		return record{}, err
	}
	key, err := r.GetRaw(32)
	if err != nil {
		return record{}, err
	}
	kindByte, err := r.GetUint8()
	if err != nil {
		return record{}, err
	}
	payload, err := r.GetRaw(int(n) - 33)
	if err != nil {
		return record{}, err
	}
	var rec record
	rec.kind = recordKind(kindByte)
	copy(rec.key[:], key)
	rec.payload = payload
	return rec, nil
}

func encodeHashList(hashes []ids.Hash) []byte {
	w := codec.NewWriter(4 + 32*len(hashes))
	w.PutArrayHeader(len(hashes))
	for _, h := range hashes {
		w.PutRaw(h[:])
	}
	return w.Bytes()
}

func decodeHashList(b []byte) ([]ids.Hash, error) {
	r := codec.NewReader(b)
	n, err := r.GetArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]ids.Hash, n)
	for i := 0; i < n; i++ {
		raw, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		copy(out[i][:], raw)
	}
	return out, nil
}

// encodeNodeRecord stores a node's ciphertext wire form plus its
// cleartext payload side by side, so replay can reconstruct a Node
// without the original message key: the payload was already decrypted
// once by the caller (PutNode only ever receives a *dagnode.Node) and
// that decrypted copy is what the journal preserves.
func encodeNodeRecord(node *dagnode.Node, verified bool) []byte {
	payloadW := codec.NewWriter(64)
	node.Payload.Encode(payloadW)

	w := codec.NewWriter(len(node.Wire.EncryptedPayload) + len(payloadW.Bytes()) + 64)
	w.PutBytes(node.Wire.Encode())
	w.PutBytes(payloadW.Bytes())
	w.PutBool(verified)
	return w.Bytes()
}

func decodeNodeRecord(b []byte) (*dagnode.Node, bool, error) {
	r := codec.NewReader(b)
	wireBytes, err := r.GetBytes()
	if err != nil {
		return nil, false, err
	}
	wire, err := dagnode.DecodeWireNode(wireBytes)
	if err != nil {
		return nil, false, err
	}
	payloadBytes, err := r.GetBytes()
	if err != nil {
		return nil, false, err
	}
	payload, err := dagnode.DecodePayload(codec.NewReader(payloadBytes))
	if err != nil {
		return nil, false, err
	}
	verified, err := r.GetBool()
	if err != nil {
		return nil, false, err
	}
	return &dagnode.Node{Wire: wire, Payload: payload}, verified, nil
}

func encodeWireNodeRecord(wire *dagnode.WireNode) []byte {
	w := codec.NewWriter(len(wire.EncryptedPayload) + 64)
	w.PutBytes(wire.Encode())
	return w.Bytes()
}

func decodeWireNodeRecord(b []byte) (*dagnode.WireNode, error) {
	r := codec.NewReader(b)
	raw, err := r.GetBytes()
	if err != nil {
		return nil, err
	}
	return dagnode.DecodeWireNode(raw)
}

func encodeDeviceSlot(slot store.DeviceSlot) []byte {
	w := codec.NewWriter(64)
	w.PutRaw(slot.ChainKey[:])
	w.PutUint64(slot.LastSequence)
	w.PutRaw(slot.LastNode[:])
	w.PutUint64(slot.EpochID)
	return w.Bytes()
}

func decodeDeviceSlot(b []byte) (store.DeviceSlot, error) {
	r := codec.NewReader(b)
	var slot store.DeviceSlot
	ck, err := r.GetRaw(32)
	if err != nil {
		return slot, err
	}
	copy(slot.ChainKey[:], ck)
	if slot.LastSequence, err = r.GetUint64(); err != nil {
		return slot, err
	}
	ln, err := r.GetRaw(32)
	if err != nil {
		return slot, err
	}
	copy(slot.LastNode[:], ln)
	if slot.EpochID, err = r.GetUint64(); err != nil {
		return slot, err
	}
	return slot, nil
}

func encodeRatchetSlot(slot store.RatchetSlot) []byte {
	w := codec.NewWriter(40)
	w.PutRaw(slot.ChainKey[:])
	w.PutUint64(slot.EpochID)
	return w.Bytes()
}

func decodeRatchetSlot(b []byte) (store.RatchetSlot, error) {
	r := codec.NewReader(b)
	var slot store.RatchetSlot
	ck, err := r.GetRaw(32)
	if err != nil {
		return slot, err
	}
	copy(slot.ChainKey[:], ck)
	if slot.EpochID, err = r.GetUint64(); err != nil {
		return slot, err
	}
	return slot, nil
}
