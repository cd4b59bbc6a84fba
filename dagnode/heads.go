package dagnode

import (
	"sort"
	"sync"

	"github.com/luxfi/merkle-tox/ids"
)

// Heads maintains a conversation's minimal antichain of head node
// hashes: nodes with no accepted child yet. Adding a node removes its
// parents from the set (they now have a child) and inserts the node
// itself, mirroring the tip-set maintenance of the teacher's block DAG.
//
// A second Heads instance tracks admin-heads: the antichain restricted
// to admin-control nodes, used to resolve concurrent authorization
// changes independently of ordinary content traffic.
type Heads struct {
	mu   sync.RWMutex
	set  map[ids.Hash]struct{}
	rank map[ids.Hash]uint64
}

// NewHeads returns an empty head set.
func NewHeads() *Heads {
	return &Heads{set: make(map[ids.Hash]struct{}), rank: make(map[ids.Hash]uint64)}
}

// Add records hash as a new head with the given rank and retires any
// of parents that were previously heads.
func (h *Heads) Add(hash ids.Hash, rank uint64, parents []ids.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range parents {
		delete(h.set, p)
		delete(h.rank, p)
	}
	h.set[hash] = struct{}{}
	h.rank[hash] = rank
}

// Remove drops hash from the head set without reinstating its
// parents, used when a node is pruned rather than superseded.
func (h *Heads) Remove(hash ids.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.set, hash)
	delete(h.rank, hash)
}

// Contains reports whether hash is currently a head.
func (h *Heads) Contains(hash ids.Hash) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.set[hash]
	return ok
}

// Snapshot returns the current heads in a stable, sorted order, used
// both for deterministic SyncHeads wire messages and for tests.
func (h *Heads) Snapshot() []ids.Hash {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ids.Hash, 0, len(h.set))
	for hash := range h.set {
		out = append(out, hash)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// MaxRank returns the highest rank among current heads, the value a
// freshly-authored node's parents-derived rank is computed against.
func (h *Heads) MaxRank() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var max uint64
	for _, r := range h.rank {
		if r > max {
			max = r
		}
	}
	return max
}

// Len reports the number of current heads.
func (h *Heads) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.set)
}
