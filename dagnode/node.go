// Package dagnode defines the conversation DAG's node types (§3) and
// the structural/authentication validator a node must pass before it
// is accepted into a conversation's history (§4.3).
package dagnode

import (
	"crypto/sha256"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/ratchet"
)

// AuthKind tags which authentication variant a node carries.
type AuthKind uint8

const (
	// AuthSignature is used by admin-control nodes: the author's
	// long-lived identity key signs the node directly.
	AuthSignature AuthKind = iota
	// AuthMAC is used by ordinary content nodes: a ratchet-derived
	// per-node message key authenticates the node via HMAC.
	AuthMAC
)

// AuthTag carries one of the two node authentication variants.
type AuthTag struct {
	Kind      AuthKind
	Signature []byte   // AuthSignature: ed25519.SignatureSize bytes
	Mac       [32]byte // AuthMAC
}

func (a *AuthTag) encode(w *codec.Writer) {
	w.PutUint8(uint8(a.Kind))
	switch a.Kind {
	case AuthSignature:
		w.PutBytes(a.Signature)
	case AuthMAC:
		w.PutRaw(a.Mac[:])
	}
}

func decodeAuthTag(r *codec.Reader) (AuthTag, error) {
	kindByte, err := r.GetUint8()
	if err != nil {
		return AuthTag{}, err
	}
	a := AuthTag{Kind: AuthKind(kindByte)}
	switch a.Kind {
	case AuthSignature:
		sig, err := r.GetBytes()
		if err != nil {
			return AuthTag{}, err
		}
		a.Signature = sig
	case AuthMAC:
		mac, err := r.GetRaw(32)
		if err != nil {
			return AuthTag{}, err
		}
		copy(a.Mac[:], mac)
	default:
		return AuthTag{}, errors.Newf("dagnode: unknown auth kind %d", kindByte)
	}
	return a, nil
}

// WireNode is the opaque, encrypted-payload form of a node as seen on
// the wire or in the store, before the payload is decrypted. Its hash
// (identity on the DAG, referenced by children's Parents) is computed
// over this form, so it is stable regardless of whether the holder has
// decrypted the payload yet.
type WireNode struct {
	Parents          []ids.Hash
	AuthorIdentity   ids.IdentityId
	AuthorDevice     ids.DeviceId
	Sequence         uint64
	Rank             uint64
	TimestampMs      int64
	EpochID          uint64
	Flags            uint32
	EncryptedPayload []byte
	Auth             AuthTag
}

// HeaderBytes encodes every field except EncryptedPayload and Auth; it
// is the associated data bound into payload encryption and, folded
// with EncryptedPayload, the bytes that Auth authenticates.
func (n *WireNode) HeaderBytes() []byte {
	w := codec.NewWriter(128)
	w.PutArrayHeader(len(n.Parents))
	for _, p := range n.Parents {
		w.PutRaw(p[:])
	}
	w.PutRaw(n.AuthorIdentity[:])
	w.PutRaw(n.AuthorDevice[:])
	w.PutUint64(n.Sequence)
	w.PutUint64(n.Rank)
	w.PutInt64(n.TimestampMs)
	w.PutUint64(n.EpochID)
	w.PutUint32(n.Flags)
	return w.Bytes()
}

// AuthBytes returns the bytes a node's Auth tag covers: its header
// bytes followed by the encrypted payload. The tag itself can't be
// part of what it authenticates.
func (n *WireNode) AuthBytes() []byte {
	w := codec.NewWriter(len(n.EncryptedPayload) + 128)
	w.PutRaw(n.HeaderBytes())
	w.PutBytes(n.EncryptedPayload)
	return w.Bytes()
}

// RatchetNodeHash is the "node_hash" input fed to ratchet.Advance when
// deriving this node's chain/message keys. It is computed from the
// header alone since the message key must exist before the payload can
// be encrypted, which in turn is needed before Auth (and therefore the
// full node hash) can be computed.
func (n *WireNode) RatchetNodeHash() ids.Hash {
	sum := sha256.Sum256(n.HeaderBytes())
	return ids.Hash(sum)
}

// Encode writes the full wire form, Auth included, in the order Hash
// hashes.
func (n *WireNode) Encode() []byte {
	w := codec.NewWriter(len(n.EncryptedPayload) + 192)
	w.PutRaw(n.HeaderBytes())
	w.PutBytes(n.EncryptedPayload)
	n.Auth.encode(w)
	return w.Bytes()
}

// Hash is the node's content address: sha256 of its full canonical
// encoding. Two nodes with identical header and payload bytes but
// different Auth tags are, deliberately, different nodes.
func (n *WireNode) Hash() ids.Hash {
	sum := sha256.Sum256(n.Encode())
	return ids.Hash(sum)
}

// DecodeWireNode reads a WireNode written by Encode.
func DecodeWireNode(b []byte) (*WireNode, error) {
	r := codec.NewReader(b)
	n := &WireNode{}

	pc, err := r.GetArrayHeader()
	if err != nil {
		return nil, err
	}
	n.Parents = make([]ids.Hash, pc)
	for i := 0; i < pc; i++ {
		ph, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		copy(n.Parents[i][:], ph)
	}

	authorIdentity, err := r.GetRaw(32)
	if err != nil {
		return nil, err
	}
	copy(n.AuthorIdentity[:], authorIdentity)

	authorDevice, err := r.GetRaw(32)
	if err != nil {
		return nil, err
	}
	copy(n.AuthorDevice[:], authorDevice)

	if n.Sequence, err = r.GetUint64(); err != nil {
		return nil, err
	}
	if n.Rank, err = r.GetUint64(); err != nil {
		return nil, err
	}
	if n.TimestampMs, err = r.GetInt64(); err != nil {
		return nil, err
	}
	if n.EpochID, err = r.GetUint64(); err != nil {
		return nil, err
	}
	if n.Flags, err = r.GetUint32(); err != nil {
		return nil, err
	}
	if n.EncryptedPayload, err = r.GetBytes(); err != nil {
		return nil, err
	}
	auth, err := decodeAuthTag(r)
	if err != nil {
		return nil, err
	}
	n.Auth = auth
	return n, nil
}

// Sign produces an AuthSignature tag over n's AuthBytes using the
// author's identity secret key, used for admin-control nodes.
func (n *WireNode) Sign(secret ed25519.PrivateKey) {
	n.Auth = AuthTag{Kind: AuthSignature, Signature: ed25519.Sign(secret, n.AuthBytes())}
}

// SealWithMAC produces an AuthMAC tag over n's AuthBytes under the
// node's ratchet-derived message key.
func (n *WireNode) SealWithMAC(msgKey ids.MsgKey) {
	n.Auth = AuthTag{Kind: AuthMAC, Mac: ratchet.MAC(msgKey, n.AuthBytes())}
}

// VerifyAuth checks n's Auth tag: a signature variant against
// authorPublicKey, a MAC variant against msgKey (the caller resolves
// which key applies from the node's authentication variant before
// calling this).
func (n *WireNode) VerifyAuth(authorPublicKey ed25519.PublicKey, msgKey ids.MsgKey) bool {
	switch n.Auth.Kind {
	case AuthSignature:
		return ed25519.Verify(authorPublicKey, n.AuthBytes(), n.Auth.Signature)
	case AuthMAC:
		return ratchet.VerifyMAC(msgKey, n.AuthBytes(), n.Auth.Mac)
	default:
		return false
	}
}

// Node is the decrypted, logical view of a WireNode: the same
// identity (Hash equals the originating WireNode's Hash) but with its
// payload available in cleartext.
type Node struct {
	Wire    *WireNode
	Payload *Payload
}

// Hash returns the node's content address, delegating to its wire form.
func (n *Node) Hash() ids.Hash { return n.Wire.Hash() }

// Type reports the node's NodeType (its payload kind), used by the
// store's type-indexed queries.
func (n *Node) Type() PayloadKind { return n.Payload.Kind }

// EncodeAndSeal encrypts payload under msgKey, binding header as
// associated data, and returns a WireNode with the resulting
// EncryptedPayload (Auth is left zero; callers call Sign or
// SealWithMAC afterward).
func EncodeAndSeal(header WireNode, payload *Payload, msgKey ids.MsgKey) (*WireNode, error) {
	w := codec.NewWriter(64)
	payload.Encode(w)

	ct, err := ratchet.Seal(msgKey, w.Bytes(), header.HeaderBytes())
	if err != nil {
		return nil, errors.Wrap(err, "dagnode: seal payload")
	}
	node := header
	node.EncryptedPayload = ct
	return &node, nil
}

// Decrypt opens wire's EncryptedPayload under msgKey and parses it
// into a Payload, returning the logical Node.
func Decrypt(wire *WireNode, msgKey ids.MsgKey) (*Node, error) {
	pt, err := ratchet.Open(msgKey, wire.EncryptedPayload, wire.HeaderBytes())
	if err != nil {
		return nil, errors.Wrap(err, "dagnode: open payload")
	}
	payload, err := DecodePayload(codec.NewReader(pt))
	if err != nil {
		return nil, errors.Wrap(err, "dagnode: decode payload")
	}
	return &Node{Wire: wire, Payload: payload}, nil
}
