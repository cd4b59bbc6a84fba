package dagnode

import (
	"testing"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/ratchet"
)

func textPayload(s string) *Payload {
	return &Payload{Kind: PayloadText, Text: &TextPayload{Text: s}}
}

func TestPayloadEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Payload{
		textPayload("hello"),
		{Kind: PayloadGroupMetadata, Group: &GroupMetadataPayload{Name: "n", Topic: "t", MemberLimit: 10}},
		{Kind: PayloadFileReference, File: &FileReferencePayload{BlobHash: ids.Hash{1, 2, 3}, TotalSize: 100, ChunkSize: 4096, Filename: "a.bin"}},
	}
	for _, p := range cases {
		w := codec.NewWriter(64)
		p.Encode(w)
		got, err := DecodePayload(codec.NewReader(w.Bytes()))
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestPayloadValidateRejectsOutOfBounds(t *testing.T) {
	p := &Payload{Kind: PayloadGroupMetadata, Group: &GroupMetadataPayload{MemberLimit: maxGroupMemberLimit + 1}}
	require.Error(t, p.Validate())
}

func TestWireNodeHashStableAcrossEncodeDecode(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var authorID ids.IdentityId
	copy(authorID[:], pub)

	wire := &WireNode{
		AuthorIdentity:   authorID,
		AuthorDevice:     authorID,
		Sequence:         0,
		Rank:             0,
		TimestampMs:      1000,
		EncryptedPayload: []byte("ciphertext"),
	}
	wire.Sign(priv)

	h1 := wire.Hash()
	decoded, err := DecodeWireNode(wire.Encode())
	require.NoError(t, err)
	h2 := decoded.Hash()
	require.Equal(t, h1, h2)
}

func TestWireNodeSignatureVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var authorID ids.IdentityId
	copy(authorID[:], pub)

	wire := &WireNode{AuthorIdentity: authorID, EncryptedPayload: []byte("x")}
	wire.Sign(priv)
	require.True(t, wire.VerifyAuth(ed25519.PublicKey(authorID[:]), ids.MsgKey{}))

	wire.Auth.Signature[0] ^= 0xFF
	require.False(t, wire.VerifyAuth(ed25519.PublicKey(authorID[:]), ids.MsgKey{}))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var msgKey ids.MsgKey
	for i := range msgKey {
		msgKey[i] = byte(i)
	}
	header := WireNode{
		TimestampMs: 42,
		Rank:        1,
	}
	payload := textPayload("conversation content")

	wire, err := EncodeAndSeal(header, payload, msgKey)
	require.NoError(t, err)
	wire.SealWithMAC(msgKey)
	require.True(t, wire.VerifyAuth(nil, msgKey))

	node, err := Decrypt(wire, msgKey)
	require.NoError(t, err)
	require.Equal(t, payload, node.Payload)
	require.Equal(t, PayloadText, node.Type())
}

func TestDecryptFailsUnderWrongKey(t *testing.T) {
	var msgKey, wrongKey ids.MsgKey
	wrongKey[0] = 1
	header := WireNode{}
	wire, err := EncodeAndSeal(header, textPayload("secret"), msgKey)
	require.NoError(t, err)

	_, err = Decrypt(wire, wrongKey)
	require.Error(t, err)
}

func TestRatchetNodeHashIndependentOfPayload(t *testing.T) {
	header := WireNode{TimestampMs: 7, Rank: 2}
	var msgKey ids.MsgKey
	wireA, err := EncodeAndSeal(header, textPayload("a"), msgKey)
	require.NoError(t, err)
	wireB, err := EncodeAndSeal(header, textPayload("a longer different message"), msgKey)
	require.NoError(t, err)
	require.Equal(t, wireA.RatchetNodeHash(), wireB.RatchetNodeHash())
	require.NotEqual(t, wireA.Hash(), wireB.Hash())
}

func TestChainedMACDerivation(t *testing.T) {
	epoch := ids.EpochRootKey{9}
	genesisChain := ratchet.InitGenesis(epoch)

	header := WireNode{Rank: 1}
	nodeHash := header.RatchetNodeHash()
	_, msgKey := ratchet.Advance(genesisChain, nodeHash)

	wire, err := EncodeAndSeal(header, textPayload("hi"), msgKey)
	require.NoError(t, err)
	wire.SealWithMAC(msgKey)
	require.True(t, wire.VerifyAuth(nil, msgKey))
}
