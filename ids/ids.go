// Package ids defines the fixed-width identifiers and role-tagged key
// types shared across the conversation DAG, ratchet, and transport.
package ids

import (
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte content hash: the canonical identifier of a DAG node.
type Hash [32]byte

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromSlice copies b into a Hash, erroring if b isn't 32 bytes.
func HashFromSlice(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("ids: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ConversationId is the hash of a conversation's genesis node.
type ConversationId Hash

func (c ConversationId) String() string { return Hash(c).String() }

// ToNodeHash semantically converts a ConversationId to the NodeHash of
// its genesis node: a conversation ID is defined as that hash.
func (c ConversationId) ToNodeHash() Hash { return Hash(c) }

// ConversationIdFromGenesis converts a genesis node's hash into its
// conversation id.
func ConversationIdFromGenesis(h Hash) ConversationId { return ConversationId(h) }

// IdentityKey is a device or master-identity Ed25519 public key.
type IdentityKey [32]byte

func (k IdentityKey) String() string { return hex.EncodeToString(k[:]) }

// DeviceId names a single physical device's public key. It is an alias
// of IdentityKey, so the compiler does not tell it apart from IdentityId.
type DeviceId = IdentityKey

// IdentityId names a logical (master) identity's public key.
type IdentityId = IdentityKey

// PeerId identifies a remote peer for transport/session purposes.
type PeerId = IdentityKey
