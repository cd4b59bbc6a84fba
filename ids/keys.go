package ids

// Role-tagged 32-byte key types. Each wraps the same underlying array
// but is a distinct Go type so a chain key can never be passed where a
// message key, MAC key, or encryption key is expected — the same
// discipline as the Rust original's per-role newtypes (ChainKey,
// MsgKey, SharedSecretKey, EncryptionKey, MacKey).

// ChainKey is the ratchet's per-node chain state.
type ChainKey [32]byte

// MsgKey is a single message's derived MAC/encryption key.
type MsgKey [32]byte

// EpochRootKey is a conversation's per-epoch root key (KConv).
type EpochRootKey [32]byte

// MacKey authenticates a node whose author lacks (or opts out of) a
// signature-based authentication tag.
type MacKey [32]byte

// SharedSecretKey is a DH-derived secret feeding ratchet initialization.
type SharedSecretKey [32]byte

// ToChainKey semantically converts an epoch root key into the initial
// chain key of a fresh ratchet rooted at that epoch (genesis case).
func (k EpochRootKey) ToChainKey() ChainKey { return ChainKey(k) }

// ToEpochRoot semantically converts a chain key into a new epoch root
// key, used when a rekey promotes the current ratchet state to the
// root of the next epoch.
func (k ChainKey) ToEpochRoot() EpochRootKey { return EpochRootKey(k) }

// IsZero reports whether k has never been set.
func (k ChainKey) IsZero() bool { return k == ChainKey{} }
