package engine

import (
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/ratchet"
	"github.com/luxfi/merkle-tox/store"
)

func newTestEngine(t *testing.T) (*Engine, ids.ConversationId, ids.IdentityId, ids.DeviceId, ed25519.PrivateKey) {
	t.Helper()
	s := store.NewMemStore()
	mgr := identity.New()

	pub, secret, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var author ids.IdentityId
	copy(author[:], pub)

	var conv ids.ConversationId
	conv[0] = 7
	require.NoError(t, s.PutConversationKey(conv, 0, ids.EpochRootKey{1, 2, 3}))

	e := New(Config{Store: s, Identity: mgr, MaxSpeculative: 16})
	return e, conv, author, ids.DeviceId(author), secret
}

func TestAuthorNodeGenesisAndChild(t *testing.T) {
	e, conv, author, device, secret := newTestEngine(t)

	wire1, effects, err := e.AuthorNode(conv, author, device, secret, 1000,
		&dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "hello"}}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, effects)
	require.Equal(t, uint64(0), wire1.Rank)

	wire2, effects, err := e.AuthorNode(conv, author, device, secret, 1001,
		&dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "world"}}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, effects)
	require.Equal(t, uint64(1), wire2.Rank)
	require.Equal(t, []ids.Hash{wire1.Hash()}, wire2.Parents)
}

func TestAuthorNodeStoresNodeVerified(t *testing.T) {
	e, conv, author, device, secret := newTestEngine(t)

	wire, _, err := e.AuthorNode(conv, author, device, secret, 1000,
		&dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "hi"}}, nil)
	require.NoError(t, err)

	verified, err := e.store.IsVerified(wire.Hash())
	require.NoError(t, err)
	require.True(t, verified)
}

func TestHandleNodeSpeculativeOnMissingParent(t *testing.T) {
	e, conv, author, device, secret := newTestEngine(t)
	_, _, err := e.AuthorNode(conv, author, device, secret, 1000,
		&dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "root"}}, nil)
	require.NoError(t, err)

	unknownParent := ids.Hash{0xaa}
	var remoteDevice ids.DeviceId
	remoteDevice[0] = 9
	wire := dagnode.WireNode{
		Parents:        []ids.Hash{unknownParent},
		AuthorIdentity: ids.IdentityId(remoteDevice),
		AuthorDevice:   remoteDevice,
		Rank:           1,
		Sequence:       1,
		EpochID:        0,
	}
	var msgKey ids.MsgKey
	sealed, err := dagnode.EncodeAndSeal(wire, &dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "orphan"}}, msgKey)
	require.NoError(t, err)
	sealed.SealWithMAC(msgKey)

	effects, err := e.HandleNode(conv, sealed, author)
	require.NoError(t, err)
	require.Empty(t, effects)

	has, err := e.store.HasNode(sealed.Hash())
	require.NoError(t, err)
	require.True(t, has)
	verified, err := e.store.IsVerified(sealed.Hash())
	require.NoError(t, err)
	require.False(t, verified)
}

func TestPollWithNoSessionsReturnsNoEffects(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	require.Empty(t, e.Poll(time.Unix(1700000000, 0)))
}

// applyEffects plays the host side of the engine's pure-Effect
// contract: it drives the same store the Engine was built with, so a
// later HandleNode call sees the state an earlier one decided on.
func applyEffects(t *testing.T, e *Engine, effects []Effect) {
	t.Helper()
	for _, eff := range effects {
		switch eff.Kind {
		case EffectWriteStore:
			require.NoError(t, e.store.PutNode(eff.Conv, eff.Node, eff.Verified))
		case EffectMarkVerified:
			require.NoError(t, e.store.MarkVerified(eff.Conv, eff.Hash))
		}
	}
}

// TestSpeculativeNodePromotedByVoucherAccumulation mirrors the
// original vouching-accumulation scenario: a node from an
// unauthorized author stays speculative until enough distinct,
// already-authorized devices admit a verified child that names it as
// a parent, at which point it crosses VoucherThreshold and promotes.
func TestSpeculativeNodePromotedByVoucherAccumulation(t *testing.T) {
	e, conv, author, device, secret := newTestEngine(t)

	genesis, genesisEffects, err := e.AuthorNode(conv, author, device, secret, 1000,
		&dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: "genesis"}}, nil)
	require.NoError(t, err)
	applyEffects(t, e, genesisEffects)

	strangerPub, strangerSecret, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var stranger ids.IdentityId
	copy(stranger[:], strangerPub)

	// seal encrypts a text payload under the message key the engine
	// derives for header from its parent's chain key, so the wire passes
	// the validator's decrypt step.
	seal := func(header dagnode.WireNode, parentChainKey ids.ChainKey, text string) *dagnode.WireNode {
		_, msgKey := ratchet.Advance(parentChainKey, header.RatchetNodeHash())
		wire, err := dagnode.EncodeAndSeal(header, &dagnode.Payload{Kind: dagnode.PayloadText, Text: &dagnode.TextPayload{Text: text}}, msgKey)
		require.NoError(t, err)
		return wire
	}
	genesisSlot, ok, err := e.store.GetRatchetKey(conv, genesis.Hash())
	require.NoError(t, err)
	require.True(t, ok)

	strangerWire := seal(dagnode.WireNode{
		Parents:        []ids.Hash{genesis.Hash()},
		AuthorIdentity: stranger,
		AuthorDevice:   ids.DeviceId(stranger),
		Rank:           1,
		Sequence:       1,
		EpochID:        0,
	}, genesisSlot.ChainKey, "stranger")
	strangerWire.Sign(strangerSecret)

	effects, err := e.HandleNode(conv, strangerWire, author)
	require.NoError(t, err)
	applyEffects(t, e, effects)

	// The stranger's chain key is purged from the store once a verified
	// child is admitted, so keep it for sealing both children.
	strangerSlot, ok, err := e.store.GetRatchetKey(conv, strangerWire.Hash())
	require.NoError(t, err)
	require.True(t, ok)

	cs := e.convState(conv)
	_, speculative := cs.speculative[strangerWire.Hash()]
	require.True(t, speculative)
	verified, err := e.store.IsVerified(strangerWire.Hash())
	require.NoError(t, err)
	require.False(t, verified)

	authorize := func(nowMs int64) (ids.IdentityId, ids.DeviceId, ed25519.PrivateKey) {
		pub, secret, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		var id ids.IdentityId
		copy(id[:], pub)
		cert := identity.Certificate{
			Identity:    id,
			DeviceKey:   ids.DeviceId(id),
			Permissions: identity.PermissionPost,
		}
		cert.Sign(id, secret)
		require.NoError(t, e.identity.AuthorizeDevice(conv, cert, nowMs, 0))
		return id, ids.DeviceId(id), secret
	}

	bob, bobDevice, bobSecret := authorize(1000)
	bobWire := seal(dagnode.WireNode{
		Parents:        []ids.Hash{strangerWire.Hash()},
		AuthorIdentity: bob,
		AuthorDevice:   bobDevice,
		Rank:           2,
		Sequence:       1,
		EpochID:        0,
	}, strangerSlot.ChainKey, "bob")
	bobWire.Sign(bobSecret)
	effects, err = e.HandleNode(conv, bobWire, author)
	require.NoError(t, err)
	applyEffects(t, e, effects)

	// A single voucher is not enough: the stranger's node stays speculative.
	require.Len(t, cs.vouchers[strangerWire.Hash()], 1)
	_, speculative = cs.speculative[strangerWire.Hash()]
	require.True(t, speculative)
	verified, err = e.store.IsVerified(strangerWire.Hash())
	require.NoError(t, err)
	require.False(t, verified)

	charlie, charlieDevice, charlieSecret := authorize(1000)
	charlieWire := seal(dagnode.WireNode{
		Parents:        []ids.Hash{strangerWire.Hash()},
		AuthorIdentity: charlie,
		AuthorDevice:   charlieDevice,
		Rank:           2,
		Sequence:       1,
		EpochID:        0,
	}, strangerSlot.ChainKey, "charlie")
	charlieWire.Sign(charlieSecret)
	effects, err = e.HandleNode(conv, charlieWire, author)
	require.NoError(t, err)
	applyEffects(t, e, effects)

	// Two distinct voucher devices meet VoucherThreshold: now promoted.
	_, speculative = cs.speculative[strangerWire.Hash()]
	require.False(t, speculative)
	verified, err = e.store.IsVerified(strangerWire.Hash())
	require.NoError(t, err)
	require.True(t, verified)
}
