package engine

import (
	"github.com/luxfi/merkle-tox/dagnode"
	"github.com/luxfi/merkle-tox/ids"
)

// EffectKind tags the variant carried by an Effect. The engine never
// performs I/O itself: every state change it decides on is returned to
// the caller as one of these values to apply.
type EffectKind int

const (
	EffectWriteStore EffectKind = iota
	EffectSendPacket
	EffectMarkVerified
	EffectRemoveRatchet
	EffectNotifyApplication
)

// Effect is a pure description of a side effect the host must apply.
// Only the fields relevant to Kind are populated.
type Effect struct {
	Kind EffectKind

	Conv     ids.ConversationId
	Node     *dagnode.Node
	Verified bool
	Hash     ids.Hash

	Peer    ids.IdentityId
	Message ProtocolMessage

	Notification Notification
}

// ProtocolMessage is implemented by syncsession's wire message types;
// the engine only forwards values of this type, it never constructs or
// inspects them.
type ProtocolMessage interface {
	MessageTag() uint8
}

// NotificationKind distinguishes what the application is being told.
type NotificationKind int

const (
	NotifyNodeVerified NotificationKind = iota
	NotifyConversationEstablished
	NotifyConversationClosed
)

// Notification is delivered to the application layer via
// EffectNotifyApplication.
type Notification struct {
	Kind NotificationKind
	Conv ids.ConversationId
	Node *dagnode.Node
}

func writeStore(conv ids.ConversationId, node *dagnode.Node, verified bool) Effect {
	return Effect{Kind: EffectWriteStore, Conv: conv, Node: node, Verified: verified}
}

func markVerified(conv ids.ConversationId, hash ids.Hash) Effect {
	return Effect{Kind: EffectMarkVerified, Conv: conv, Hash: hash}
}

func removeRatchet(conv ids.ConversationId, hash ids.Hash) Effect {
	return Effect{Kind: EffectRemoveRatchet, Conv: conv, Hash: hash}
}

func sendPacket(peer ids.IdentityId, msg ProtocolMessage) Effect {
	return Effect{Kind: EffectSendPacket, Peer: peer, Message: msg}
}

func notifyVerified(conv ids.ConversationId, node *dagnode.Node) Effect {
	return Effect{Kind: EffectNotifyApplication, Notification: Notification{
		Kind: NotifyNodeVerified, Conv: conv, Node: node,
	}}
}
