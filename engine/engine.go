// Package engine is the central orchestrator of §4.6: it owns
// per-conversation lifecycle state, admits and authors DAG nodes,
// drives the ratchet forward across verified edges, and hands the
// host a list of pure Effects to apply rather than performing I/O
// itself.
package engine

import (
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
	"github.com/luxfi/merkle-tox/log"
	"github.com/luxfi/merkle-tox/metrics"
	"github.com/luxfi/merkle-tox/ratchet"
	"github.com/luxfi/merkle-tox/store"
)

// VoucherThreshold is the number of distinct peer vouchers required to
// promote a speculative node absent a direct authorization chain.
const VoucherThreshold = 2

// Config configures an Engine.
type Config struct {
	Store              store.Store
	Identity           *identity.Manager
	Log                log.Logger
	Metrics            *metrics.Engine
	MaxSpeculative     int // per conversation; <= 0 disables back-pressure
	HistoricalCacheLen int
}

// Engine is the per-process orchestrator described in §4.6. It is safe
// for concurrent use.
type Engine struct {
	store    store.Store
	identity *identity.Manager
	log      log.Logger
	metrics  *metrics.Engine
	maxSpec  int

	mu       sync.Mutex
	convs    map[ids.ConversationId]*conversationState
	ratchets map[ids.ConversationId]*ratchet.Ratchet
	heads    map[ids.ConversationId]*dagnode.Heads
	sessions map[ids.IdentityId]Session
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	l := cfg.Log
	if l == nil {
		l = log.Nop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	return &Engine{
		store:    cfg.Store,
		identity: cfg.Identity,
		log:      l,
		metrics:  m,
		maxSpec:  cfg.MaxSpeculative,
		convs:    make(map[ids.ConversationId]*conversationState),
		ratchets: make(map[ids.ConversationId]*ratchet.Ratchet),
		heads:    make(map[ids.ConversationId]*dagnode.Heads),
		sessions: make(map[ids.IdentityId]Session),
	}
}

func (e *Engine) convState(conv ids.ConversationId) *conversationState {
	cs, ok := e.convs[conv]
	if !ok {
		cs = newConversationState()
		e.convs[conv] = cs
	}
	return cs
}

func (e *Engine) ratchetFor(conv ids.ConversationId) *ratchet.Ratchet {
	r, ok := e.ratchets[conv]
	if !ok {
		r = ratchet.New(256)
		e.ratchets[conv] = r
	}
	return r
}

func (e *Engine) headsFor(conv ids.ConversationId) *dagnode.Heads {
	h, ok := e.heads[conv]
	if !ok {
		h = dagnode.NewHeads()
		e.heads[conv] = h
	}
	return h
}

// chainKeyFor resolves the ratchet chain key a node at hash produced,
// consulting the store first and falling back to the in-memory
// historical cache for branches whose parent key was already purged
// by a sibling's verification.
func (e *Engine) chainKeyFor(conv ids.ConversationId, hash ids.Hash) (ids.ChainKey, bool) {
	if slot, ok, _ := e.store.GetRatchetKey(conv, hash); ok {
		return slot.ChainKey, true
	}
	return e.ratchetFor(conv).LookupHistorical(hash)
}

// deriveMsgKey computes the message key and resulting chain key for
// wire, deriving from the first parent's chain key (or the epoch root
// for a parentless node), per §4.4's KDF_chain/KDF_msg derivation.
func (e *Engine) deriveMsgKey(conv ids.ConversationId, wire *dagnode.WireNode) (ids.MsgKey, ids.ChainKey, error) {
	var parentChainKey ids.ChainKey
	if len(wire.Parents) == 0 {
		epoch, key, ok := e.epochRootKey(conv, wire.EpochID)
		if !ok {
			return ids.MsgKey{}, ids.ChainKey{}, errUnknownEpoch(conv, epoch)
		}
		parentChainKey = ratchet.InitGenesis(key)
	} else {
		ck, ok := e.chainKeyFor(conv, wire.Parents[0])
		if !ok {
			return ids.MsgKey{}, ids.ChainKey{}, errMissingChainKey(conv, wire.Parents[0])
		}
		parentChainKey = ck
	}
	childChainKey, msgKey := ratchet.Advance(parentChainKey, wire.RatchetNodeHash())
	return msgKey, childChainKey, nil
}

func (e *Engine) epochRootKey(conv ids.ConversationId, epochID uint64) (uint64, ids.EpochRootKey, bool) {
	epochIDs, keys, err := e.store.GetConversationKeys(conv)
	if err != nil {
		return epochID, ids.EpochRootKey{}, false
	}
	for i, id := range epochIDs {
		if id == epochID {
			return id, keys[i], true
		}
	}
	return epochID, ids.EpochRootKey{}, false
}

// HandleNode implements handle_node: validates wire, admits it as
// verified or speculative, and returns the effects the host must
// apply. source names the peer the node arrived from; HandleNode does
// not use it. Vouchers are credited to the author device of a verified
// node that names a speculative parent (see admitVerified).
func (e *Engine) HandleNode(conv ids.ConversationId, wire *dagnode.WireNode, source ids.IdentityId) ([]Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.convState(conv)

	missing := e.missingParents(wire.Parents)
	if len(missing) > 0 {
		effects := e.enqueueFetches(missing)
		wireEffect, err := e.admitSpeculativeWire(conv, cs, wire)
		if err != nil {
			return nil, err
		}
		return append(effects, wireEffect...), nil
	}

	msgKey, childChainKey, err := e.deriveMsgKey(conv, wire)
	if err != nil {
		// Parents are present but not yet locally verified/keyed
		// (still speculative themselves): hold this node speculative
		// too, rather than treating it as an error.
		return e.admitSpeculativeWire(conv, cs, wire)
	}

	deps := dagnode.Deps{
		Conversation: conv,
		Identity:     e.identity,
		LookupParent: func(h ids.Hash) (dagnode.ParentInfo, bool) {
			rank, err := e.store.GetRank(h)
			if err != nil {
				return dagnode.ParentInfo{}, false
			}
			return dagnode.ParentInfo{Rank: rank}, true
		},
		LastSequence: func(device ids.DeviceId) (uint64, bool) {
			seq, ok, _ := e.store.GetLastSequenceNumber(conv, device)
			return seq, ok
		},
		MsgKey:           msgKey,
		SpeculativeCount: func() int { return len(cs.speculative) },
		MaxSpeculative:   e.maxSpec,
	}

	node, err := dagnode.Validate(wire, deps)
	if err != nil {
		if verr, ok := asValidationError(err); ok && verr.Kind == dagnode.FailureTooManySpeculative {
			return nil, ErrTooManySpeculativeNodes
		}
		return nil, err
	}

	authorized := e.identity.IsAuthorized(conv, wire.AuthorDevice)
	verified := authorized || len(wire.Parents) == 0

	effects := []Effect{writeStore(conv, node, verified)}
	if err := e.store.PutRatchetKey(conv, node.Hash(), childChainKey, wire.EpochID); err != nil {
		e.log.Warn("put ratchet key failed", zap.Error(err))
	}

	if verified {
		effects = append(effects, e.admitVerified(conv, cs, node, wire)...)
	} else {
		cs.speculative[node.Hash()] = struct{}{}
	}

	e.metrics.NodesSpeculative.Set(float64(len(cs.speculative)))
	return effects, nil
}

// admitSpeculativeWire stores an opaque wire node whose parents are not
// yet locally known, keeping it around for re-verification once they
// arrive.
func (e *Engine) admitSpeculativeWire(conv ids.ConversationId, cs *conversationState, wire *dagnode.WireNode) ([]Effect, error) {
	if e.maxSpec > 0 && len(cs.speculative) >= e.maxSpec {
		return nil, ErrTooManySpeculativeNodes
	}
	if err := e.store.PutWireNode(conv, wire); err != nil {
		return nil, err
	}
	cs.speculative[wire.Hash()] = struct{}{}
	e.metrics.NodesSpeculative.Set(float64(len(cs.speculative)))
	return nil, nil
}

func (e *Engine) missingParents(parents []ids.Hash) []ids.Hash {
	var missing []ids.Hash
	for _, p := range parents {
		if ok, _ := e.store.HasNode(p); !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

func (e *Engine) enqueueFetches(hashes []ids.Hash) []Effect {
	for _, s := range e.sessions {
		for _, h := range hashes {
			s.EnqueueParentFetch(h)
		}
	}
	return nil
}

// admitVerified marks node verified, updates heads, purges spent
// ratchet keys, and emits the corresponding effects.
func (e *Engine) admitVerified(conv ids.ConversationId, cs *conversationState, node *dagnode.Node, wire *dagnode.WireNode) []Effect {
	effects := []Effect{markVerified(conv, node.Hash())}
	e.metrics.NodesVerified.Inc()

	h := e.headsFor(conv)
	h.Add(node.Hash(), wire.Rank, wire.Parents)
	e.metrics.HeadsChanged.Inc()
	if err := e.store.SetHeads(conv, h.Snapshot()); err != nil {
		e.log.Warn("set heads failed", zap.Error(err))
	}

	r := e.ratchetFor(conv)
	for _, p := range wire.Parents {
		if slot, found, err := e.store.GetRatchetKey(conv, p); err == nil && found {
			r.CacheHistorical(p, slot.ChainKey)
		}
		if err := e.store.RemoveRatchetKey(conv, p); err == nil {
			effects = append(effects, removeRatchet(conv, p))
		}
		// A verified node referencing a still-speculative parent vouches
		// for it with its author's device; enough distinct vouching
		// devices promote the parent absent a direct authorization chain.
		if _, speculative := cs.speculative[p]; speculative {
			e.creditVoucher(cs, p, wire.AuthorDevice)
		}
	}

	effects = append(effects, notifyVerified(conv, node))
	e.reverifySpeculative(conv, cs, &effects)
	return effects
}

func (e *Engine) creditVoucher(cs *conversationState, hash ids.Hash, device ids.DeviceId) {
	if cs.vouchers[hash] == nil {
		cs.vouchers[hash] = make(map[ids.DeviceId]struct{})
	}
	cs.vouchers[hash][device] = struct{}{}
	e.metrics.VouchersOutstanding.Set(float64(len(cs.vouchers)))
}

// reverifySpeculative rescans a conversation's speculative set after a
// new verification (it is called from admitVerified), so any node whose
// blockers are now satisfied is promoted. Authorizing a device or
// adding an epoch key does not start a rescan by itself; nodes waiting
// on those are reconsidered at the conversation's next verification.
func (e *Engine) reverifySpeculative(conv ids.ConversationId, cs *conversationState, effects *[]Effect) {
	for hash := range cs.speculative {
		wire, err := e.store.GetWireNode(hash)
		if err != nil {
			continue
		}
		if len(e.missingParents(wire.Parents)) > 0 {
			continue
		}
		msgKey, childChainKey, err := e.deriveMsgKey(conv, wire)
		if err != nil {
			continue
		}
		deps := dagnode.Deps{
			Conversation: conv,
			Identity:     e.identity,
			LookupParent: func(h ids.Hash) (dagnode.ParentInfo, bool) {
				rank, err := e.store.GetRank(h)
				return dagnode.ParentInfo{Rank: rank}, err == nil
			},
			LastSequence: func(device ids.DeviceId) (uint64, bool) {
				seq, ok, _ := e.store.GetLastSequenceNumber(conv, device)
				return seq, ok
			},
			MsgKey:           msgKey,
			SpeculativeCount: func() int { return len(cs.speculative) },
			MaxSpeculative:   0,
		}
		node, err := dagnode.Validate(wire, deps)
		if err != nil {
			continue
		}
		authorized := e.identity.IsAuthorized(conv, wire.AuthorDevice)
		if !authorized && len(cs.vouchers[hash]) < VoucherThreshold {
			continue
		}
		if err := e.store.PutRatchetKey(conv, node.Hash(), childChainKey, wire.EpochID); err != nil {
			e.log.Warn("put ratchet key failed", zap.Error(err))
		}
		delete(cs.speculative, hash)
		delete(cs.vouchers, hash)
		*effects = append(*effects, writeStore(conv, node, true))
		*effects = append(*effects, e.admitVerified(conv, cs, node, wire)...)
	}
}

// AuthorNode implements author_node: builds and seals a node whose
// parents are the conversation's current heads (or parentsOverride,
// when supplied), with rank and sequence derived from the DAG, under
// the current ratchet epoch. It writes the node to the store itself
// and returns the sealed wire node alongside forwarding effects.
func (e *Engine) AuthorNode(conv ids.ConversationId, author ids.IdentityId, device ids.DeviceId, identitySecret ed25519.PrivateKey, nowMs int64, payload *dagnode.Payload, parentsOverride []ids.Hash) (*dagnode.WireNode, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.headsFor(conv)
	parents := parentsOverride
	if parents == nil {
		parents = h.Snapshot()
	}
	rank := uint64(0)
	if len(parents) > 0 {
		rank = h.MaxRank() + 1
	}

	seq := uint64(1)
	if last, ok, _ := e.store.GetLastSequenceNumber(conv, device); ok {
		seq = last + 1
	}

	epochID := uint64(0)
	if latestIDs, _, err := e.store.GetConversationKeys(conv); err == nil && len(latestIDs) > 0 {
		epochID = latestIDs[len(latestIDs)-1]
	}

	header := dagnode.WireNode{
		Parents:        parents,
		AuthorIdentity: author,
		AuthorDevice:   device,
		Sequence:       seq,
		Rank:           rank,
		TimestampMs:    nowMs,
		EpochID:        epochID,
	}

	msgKey, childChainKey, err := e.deriveMsgKey(conv, &header)
	if err != nil {
		return nil, nil, err
	}

	wire, err := dagnode.EncodeAndSeal(header, payload, msgKey)
	if err != nil {
		return nil, nil, err
	}
	// Admin-control payloads must verify before any authorization
	// derived from them exists, so they carry the author's identity
	// signature instead of a ratchet MAC; everything else uses the MAC.
	if payload.Kind == dagnode.PayloadAdminControl && identitySecret != nil {
		wire.Sign(identitySecret)
	} else {
		wire.SealWithMAC(msgKey)
	}

	node, err := dagnode.Decrypt(wire, msgKey)
	if err != nil {
		return nil, nil, err
	}

	if err := e.store.PutRatchetKey(conv, node.Hash(), childChainKey, epochID); err != nil {
		return nil, nil, err
	}
	if err := e.store.PutDeviceSlot(conv, device, store.DeviceSlot{LastSequence: seq, LastNode: node.Hash(), EpochID: epochID}); err != nil {
		return nil, nil, err
	}
	if err := e.store.PutNode(conv, node, true); err != nil {
		return nil, nil, err
	}

	cs := e.convState(conv)
	effects := []Effect{writeStore(conv, node, true)}
	effects = append(effects, e.admitVerified(conv, cs, node, wire)...)
	for peer := range e.sessions {
		effects = append(effects, sendPacket(peer, WireForward{Wire: wire}))
	}
	return wire, effects, nil
}

// StartSync implements start_sync: registers (or replaces) the active
// sync session for peer.
func (e *Engine) StartSync(peer ids.IdentityId, session Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[peer] = session
}

// EndSync drops peer's session, e.g. on disconnect.
func (e *Engine) EndSync(peer ids.IdentityId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, peer)
}

// Poll implements poll: advances every active session's timers.
func (e *Engine) Poll(now time.Time) []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	var effects []Effect
	for _, s := range e.sessions {
		effects = append(effects, s.Poll(now)...)
	}
	return effects
}

func errUnknownEpoch(conv ids.ConversationId, epoch uint64) error {
	return errors.Newf("engine: conversation %s has no epoch %d key", conv, epoch)
}

func errMissingChainKey(conv ids.ConversationId, hash ids.Hash) error {
	return errors.Newf("engine: no ratchet chain key for parent %s in conversation %s", hash, conv)
}

func asValidationError(err error) (*dagnode.ValidationError, bool) {
	verr, ok := err.(*dagnode.ValidationError)
	return verr, ok
}

// WireForward is the minimal ProtocolMessage carrying a freshly
// authored node to forward to an active session; the host downcasts
// it to pull Wire out and hand it to syncsession's richer message set
// (a MerkleNode), which MessageTag deliberately shares the tag of.
type WireForward struct {
	Wire *dagnode.WireNode
}

func (WireForward) MessageTag() uint8 { return wireForwardTag }

// wireForwardTag matches syncsession's TagMerkleNode so a host can
// treat WireForward and a decoded MerkleNode identically without this
// package importing syncsession.
const wireForwardTag uint8 = 4
