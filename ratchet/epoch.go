package ratchet

import "github.com/luxfi/merkle-tox/ids"

// EpochMetadata tracks the bookkeeping the store persists alongside
// each epoch's root key (§3 "Epoch keys").
type EpochMetadata struct {
	MessageCount     uint64
	LastRotationMs   int64
}

// EpochTable is an append-only, ascending-by-epoch list of a
// conversation's root keys, mirroring what Store.GetConversationKeys
// returns. It is a convenience view, not a replacement for the store:
// callers persist additions via Store.PutConversationKey.
type EpochTable struct {
	keys []ids.EpochRootKey
	ids  []uint64
}

// NewEpochTable builds a table from the store's ascending key list.
func NewEpochTable(epochIDs []uint64, keys []ids.EpochRootKey) *EpochTable {
	return &EpochTable{ids: epochIDs, keys: keys}
}

// Latest returns the highest-numbered epoch id and its root key.
func (t *EpochTable) Latest() (uint64, ids.EpochRootKey, bool) {
	if len(t.ids) == 0 {
		return 0, ids.EpochRootKey{}, false
	}
	n := len(t.ids) - 1
	return t.ids[n], t.keys[n], true
}

// Lookup returns the root key for a specific epoch id, used by
// receivers decoding a node stamped with an older epoch.
func (t *EpochTable) Lookup(epochID uint64) (ids.EpochRootKey, bool) {
	for i, id := range t.ids {
		if id == epochID {
			return t.keys[i], true
		}
	}
	return ids.EpochRootKey{}, false
}

// AddEpoch appends a new epoch key. Per §4.4 "Rekey", all subsequent
// nodes whose content is produced under epochID use its derived chain;
// the caller is responsible for persisting this via the store.
func (t *EpochTable) AddEpoch(epochID uint64, key ids.EpochRootKey) {
	t.ids = append(t.ids, epochID)
	t.keys = append(t.keys, key)
}
