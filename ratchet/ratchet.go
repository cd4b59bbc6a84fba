// Package ratchet implements the history-linked key ratchet of §4.4: a
// chain key evolves along DAG edges, deriving a fresh message key per
// node for both payload encryption and (when the node's authentication
// variant is MAC rather than signature) its authentication tag.
//
// Derivation follows the two-label SHA-256 expansion used by the
// original_source ratchet (chain key || 0x01 -> message key, chain key
// || 0x02 -> next chain key), generalized here to fold in the node's
// hash so each node's keys are bound to its own identity rather than
// only to its position in the chain.
package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luxfi/merkle-tox/ids"
)

const (
	labelMsgKey   = 0x01
	labelChainKey = 0x02
)

// ErrNoHistoricalKey is returned when a purged parent chain key is no
// longer available in the bounded historical cache.
var ErrNoHistoricalKey = errors.New("ratchet: parent chain key not cached and not in store")

// Ratchet holds the bounded, strictly non-persistent cache of
// recently-purged chain keys that lets concurrent branches rooted at
// the same parent still be verified after forward-secrecy purge.
type Ratchet struct {
	historical *lru.Cache[ids.Hash, ids.ChainKey]
}

// New returns a Ratchet whose historical cache holds up to
// historicalCacheSize recently-purged parent chain keys.
func New(historicalCacheSize int) *Ratchet {
	if historicalCacheSize <= 0 {
		historicalCacheSize = 256
	}
	c, _ := lru.New[ids.Hash, ids.ChainKey](historicalCacheSize)
	return &Ratchet{historical: c}
}

// InitGenesis derives the genesis node's chain key from the
// conversation's current epoch root key.
func InitGenesis(epoch ids.EpochRootKey) ids.ChainKey {
	return epoch.ToChainKey()
}

func deriveKeys(parentChainKey ids.ChainKey, nodeHash ids.Hash) (childChainKey ids.ChainKey, msgKey ids.MsgKey) {
	msgH := sha256.New()
	msgH.Write(parentChainKey[:])
	msgH.Write(nodeHash[:])
	msgH.Write([]byte{labelMsgKey})
	copy(msgKey[:], msgH.Sum(nil))

	chainH := sha256.New()
	chainH.Write(parentChainKey[:])
	chainH.Write(nodeHash[:])
	chainH.Write([]byte{labelChainKey})
	copy(childChainKey[:], chainH.Sum(nil))
	return childChainKey, msgKey
}

// Advance derives a node's chain key and message key from its selected
// parent's chain key and the node's own hash (KDF_chain / KDF_msg).
func Advance(parentChainKey ids.ChainKey, nodeHash ids.Hash) (childChainKey ids.ChainKey, msgKey ids.MsgKey) {
	return deriveKeys(parentChainKey, nodeHash)
}

// CacheHistorical records a parent's chain key before it is purged from
// the persistent store, so concurrent sibling branches can still be
// verified. This cache is never itself persisted.
func (r *Ratchet) CacheHistorical(parentHash ids.Hash, parentChainKey ids.ChainKey) {
	r.historical.Add(parentHash, parentChainKey)
}

// LookupHistorical returns a previously-cached purged chain key, if any.
func (r *Ratchet) LookupHistorical(parentHash ids.Hash) (ids.ChainKey, bool) {
	return r.historical.Get(parentHash)
}

// MAC computes the per-node authentication tag for the MAC
// authentication variant, under the node's derived message key.
func MAC(msgKey ids.MsgKey, canonicalBytes []byte) [32]byte {
	h := hmac.New(sha256.New, msgKey[:])
	h.Write(canonicalBytes)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyMAC reports whether tag authenticates canonicalBytes under msgKey.
func VerifyMAC(msgKey ids.MsgKey, canonicalBytes []byte, tag [32]byte) bool {
	got := MAC(msgKey, canonicalBytes)
	return hmac.Equal(got[:], tag[:])
}

// Seal encrypts a node's payload under its derived message key with
// AES-256-GCM, binding associated data (typically the node's
// non-payload fields) into the authentication tag.
func Seal(msgKey ids.MsgKey, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(msgKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	// The message key is single-use per node (derived fresh from the
	// node's own hash), so an all-zero nonce does not violate
	// AES-GCM's nonce-uniqueness requirement.
	return aead.Seal(nil, nonce, plaintext, associatedData), nil
}

// Open decrypts a payload sealed by Seal under the same message key.
func Open(msgKey ids.MsgKey, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(msgKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Open(nil, nonce, ciphertext, associatedData)
}

func newAEAD(key ids.MsgKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
