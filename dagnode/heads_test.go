package dagnode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/ids"
)

func h(b byte) ids.Hash {
	var out ids.Hash
	out[0] = b
	return out
}

func TestHeadsAddRetiresParents(t *testing.T) {
	heads := NewHeads()
	heads.Add(h(1), 0, nil)
	require.True(t, heads.Contains(h(1)))

	heads.Add(h(2), 1, []ids.Hash{h(1)})
	require.False(t, heads.Contains(h(1)))
	require.True(t, heads.Contains(h(2)))
	require.Equal(t, uint64(1), heads.MaxRank())
}

func TestHeadsDiamondLeavesBothTips(t *testing.T) {
	heads := NewHeads()
	heads.Add(h(1), 0, nil)
	heads.Add(h(2), 1, []ids.Hash{h(1)})
	heads.Add(h(3), 1, []ids.Hash{h(1)})

	snap := heads.Snapshot()
	require.Len(t, snap, 2)
	require.Contains(t, snap, h(2))
	require.Contains(t, snap, h(3))
}

func TestHeadsMergeRetiresBothParents(t *testing.T) {
	heads := NewHeads()
	heads.Add(h(1), 0, nil)
	heads.Add(h(2), 1, []ids.Hash{h(1)})
	heads.Add(h(3), 1, []ids.Hash{h(1)})
	heads.Add(h(4), 2, []ids.Hash{h(2), h(3)})

	require.Equal(t, 1, heads.Len())
	require.True(t, heads.Contains(h(4)))
}

func TestHeadsRemove(t *testing.T) {
	heads := NewHeads()
	heads.Add(h(1), 0, nil)
	heads.Remove(h(1))
	require.False(t, heads.Contains(h(1)))
	require.Equal(t, 0, heads.Len())
}
