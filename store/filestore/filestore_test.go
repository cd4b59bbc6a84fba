package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
)

func buildNode(t *testing.T, header dagnode.WireNode, text string) *dagnode.Node {
	t.Helper()
	var msgKey ids.MsgKey
	wire, err := dagnode.EncodeAndSeal(header, &dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: text}}, msgKey)
	require.NoError(t, err)
	wire.SealWithMAC(msgKey)
	node, err := dagnode.Decrypt(wire, msgKey)
	require.NoError(t, err)
	return node
}

func conv(b byte) ids.ConversationId {
	var c ids.ConversationId
	c[0] = b
	return c
}

func TestPutNodeSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	c := conv(1)
	n := buildNode(t, dagnode.WireNode{Rank: 0}, "genesis")
	require.NoError(t, fs1.PutNode(c, n, false))
	require.NoError(t, fs1.MarkVerified(c, n.Hash()))
	require.NoError(t, fs1.Close())

	fs2, err := Open(dir)
	require.NoError(t, err)
	got, err := fs2.GetNode(n.Hash())
	require.NoError(t, err)
	require.Equal(t, n.Hash(), got.Hash())

	verified, err := fs2.IsVerified(n.Hash())
	require.NoError(t, err)
	require.True(t, verified)
}

func TestHeadsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	c := conv(2)
	h := ids.Hash{9, 9, 9}
	require.NoError(t, fs1.SetHeads(c, []ids.Hash{h}))
	require.NoError(t, fs1.Close())

	fs2, err := Open(dir)
	require.NoError(t, err)
	got, err := fs2.GetHeads(c)
	require.NoError(t, err)
	require.Equal(t, []ids.Hash{h}, got)
}

func TestTornTrailingFrameIsTruncatedNotFatal(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	c := conv(3)
	n := buildNode(t, dagnode.WireNode{Rank: 0}, "hello")
	require.NoError(t, fs1.PutNode(c, n, true))
	require.NoError(t, fs1.Close())

	journalPath := filepath.Join(dir, "conversations", ids.Hash(c).String(), "journal.bin")
	appendGarbage(t, journalPath, []byte{0xff, 0xff, 0xff, 0xff, 0x01})

	fs2, err := Open(dir)
	require.NoError(t, err)
	got, err := fs2.GetNode(n.Hash())
	require.NoError(t, err)
	require.Equal(t, n.Hash(), got.Hash())
}

func appendGarbage(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(b)
	require.NoError(t, err)
}

func TestCompactionPreservesNodesAndGeneration(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	c := conv(4)
	n := buildNode(t, dagnode.WireNode{Rank: 0}, "packed")
	require.NoError(t, fs1.PutNode(c, n, true))
	require.NoError(t, fs1.SetHeads(c, []ids.Hash{n.Hash()}))

	require.NoError(t, fs1.Compact(c))

	n2 := buildNode(t, dagnode.WireNode{Rank: 1, Parents: []ids.Hash{n.Hash()}}, "after-compaction")
	require.NoError(t, fs1.PutNode(c, n2, true))
	require.NoError(t, fs1.Close())

	fs2, err := Open(dir)
	require.NoError(t, err)

	got, err := fs2.GetNode(n.Hash())
	require.NoError(t, err)
	require.Equal(t, n.Hash(), got.Hash())

	got2, err := fs2.GetNode(n2.Hash())
	require.NoError(t, err)
	require.Equal(t, n2.Hash(), got2.Hash())

	heads, err := fs2.GetHeads(c)
	require.NoError(t, err)
	require.Equal(t, []ids.Hash{n.Hash()}, heads)
}

func TestGlobalOffsetSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, fs1.SetGlobalOffset(-1234))
	require.NoError(t, fs1.Close())

	fs2, err := Open(dir)
	require.NoError(t, err)
	off, err := fs2.GetGlobalOffset()
	require.NoError(t, err)
	require.Equal(t, int64(-1234), off)
}

func TestOpaqueWireNodeCacheAndPin(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir)
	require.NoError(t, err)

	c := conv(5)
	n := buildNode(t, dagnode.WireNode{Rank: 0}, "anchor")
	require.NoError(t, fs1.PutWireNode(c, n.Wire))
	fs1.PinAnchor(n.Hash())

	got, err := fs1.GetWireNode(n.Hash())
	require.NoError(t, err)
	require.Equal(t, n.Hash(), got.Hash())

	require.NoError(t, fs1.RemoveWireNode(n.Hash()))
	got, err = fs1.GetWireNode(n.Hash())
	require.NoError(t, err)
	require.Equal(t, n.Hash(), got.Hash())
}
