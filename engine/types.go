package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/ids"
)

// ConversationState is the engine's tagged lifecycle for a conversation.
type ConversationState int

const (
	StateHandshakePending ConversationState = iota
	StateEstablished
	StateClosed
)

// ErrTooManySpeculativeNodes is returned by HandleNode as a hard
// back-pressure signal; the caller must not write the offending node.
var ErrTooManySpeculativeNodes = errors.New("engine: too many speculative nodes for conversation")

// ErrUnknownConversation is returned when an operation names a
// conversation the engine has no state for.
var ErrUnknownConversation = errors.New("engine: unknown conversation")

// Session is the subset of a sync session the engine drives directly:
// enqueuing parent fetches discovered while validating nodes, and
// advancing the session's own timers. The concrete implementation
// lives in package syncsession; engine depends only on this interface
// to avoid an import cycle (syncsession depends on engine for Effect).
type Session interface {
	Peer() ids.IdentityId
	EnqueueParentFetch(hash ids.Hash)
	Poll(now time.Time) []Effect
}

type conversationState struct {
	state       ConversationState
	epoch       uint64
	vouchers    map[ids.Hash]map[ids.DeviceId]struct{}
	speculative map[ids.Hash]struct{}
}

func newConversationState() *conversationState {
	return &conversationState{
		state:       StateHandshakePending,
		vouchers:    make(map[ids.Hash]map[ids.DeviceId]struct{}),
		speculative: make(map[ids.Hash]struct{}),
	}
}
