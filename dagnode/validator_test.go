package dagnode

import (
	"testing"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
)

func signedWire(t *testing.T, header WireNode) *WireNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	copy(header.AuthorIdentity[:], pub)
	copy(header.AuthorDevice[:], pub)

	wire, err := EncodeAndSeal(header, textPayload("genesis"), ids.MsgKey{})
	require.NoError(t, err)
	wire.Sign(priv)
	return wire
}

func genesisWire(t *testing.T) (*WireNode, ed25519.PrivateKey, ids.IdentityId) {
	t.Helper()
	wire := signedWire(t, WireNode{Rank: 0})
	return wire, nil, wire.AuthorIdentity
}

func noopDeps(conv ids.ConversationId, mgr *identity.Manager) Deps {
	return Deps{
		Conversation:     conv,
		Identity:         mgr,
		LookupParent:     func(ids.Hash) (ParentInfo, bool) { return ParentInfo{}, false },
		LastSequence:     func(ids.DeviceId) (uint64, bool) { return 0, false },
		SpeculativeCount: func() int { return 0 },
	}
}

func TestValidateGenesisNode(t *testing.T) {
	wire, _, _ := genesisWire(t)
	mgr := identity.New()
	deps := noopDeps(ids.ConversationId(wire.Hash()), mgr)

	node, err := Validate(wire, deps)
	require.NoError(t, err)
	require.Equal(t, PayloadText, node.Type())
}

func TestValidateRejectsBadSignature(t *testing.T) {
	wire, _, _ := genesisWire(t)
	wire.Auth.Signature[0] ^= 0xFF
	mgr := identity.New()
	deps := noopDeps(ids.ConversationId(wire.Hash()), mgr)

	_, err := Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureAuth, verr.Kind)
}

func TestValidateRejectsMissingParent(t *testing.T) {
	wire := signedWire(t, WireNode{Parents: []ids.Hash{{1, 2, 3}}})
	mgr := identity.New()
	deps := noopDeps(ids.ConversationId{}, mgr)

	_, err := Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureParentMissing, verr.Kind)
}

func TestValidateRejectsRankMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var authorID ids.IdentityId
	copy(authorID[:], pub)
	parentHash := ids.Hash{9}

	header := WireNode{AuthorIdentity: authorID, AuthorDevice: authorID, Rank: 5, Parents: []ids.Hash{parentHash}}
	wire, err := EncodeAndSeal(header, textPayload("x"), ids.MsgKey{})
	require.NoError(t, err)
	wire.Sign(priv)

	mgr := identity.New()
	deps := noopDeps(ids.ConversationId{}, mgr)
	deps.LookupParent = func(h ids.Hash) (ParentInfo, bool) {
		if h == parentHash {
			return ParentInfo{Rank: 0}, true
		}
		return ParentInfo{}, false
	}

	_, err = Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureRankMismatch, verr.Kind)
}

func TestValidateRejectsSequenceRegression(t *testing.T) {
	wire := signedWire(t, WireNode{Sequence: 3})

	mgr := identity.New()
	deps := noopDeps(ids.ConversationId{}, mgr)
	deps.LastSequence = func(ids.DeviceId) (uint64, bool) { return 5, true }

	_, err := Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureSequenceRegressed, verr.Kind)
}

func TestValidateRejectsTooManySpeculative(t *testing.T) {
	wire, _, _ := genesisWire(t)
	mgr := identity.New()
	deps := noopDeps(ids.ConversationId{}, mgr)
	deps.SpeculativeCount = func() int { return 10 }
	deps.MaxSpeculative = 10

	_, err := Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureTooManySpeculative, verr.Kind)
}

func TestValidateMACNodeRequiresAuthorization(t *testing.T) {
	var msgKey ids.MsgKey
	msgKey[0] = 7
	authorDevice := ids.DeviceId{1}
	parentHash := ids.Hash{2}

	header := WireNode{AuthorDevice: authorDevice, Rank: 1, Parents: []ids.Hash{parentHash}}
	wire, err := EncodeAndSeal(header, textPayload("x"), msgKey)
	require.NoError(t, err)
	wire.SealWithMAC(msgKey)

	mgr := identity.New()
	deps := noopDeps(ids.ConversationId{}, mgr)
	deps.MsgKey = msgKey
	deps.LookupParent = func(h ids.Hash) (ParentInfo, bool) {
		if h == parentHash {
			return ParentInfo{Rank: 0}, true
		}
		return ParentInfo{}, false
	}

	_, err = Validate(wire, deps)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureAuth, verr.Kind)
}
