package dagnode

import (
	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
)

// FailureKind classifies why Validate rejected a node, per §4.3.
type FailureKind int

const (
	FailureStructural FailureKind = iota
	FailureAuth
	FailureParentMissing
	FailureRankMismatch
	FailureSequenceRegressed
	FailureTooManySpeculative
)

func (k FailureKind) String() string {
	switch k {
	case FailureStructural:
		return "StructuralError"
	case FailureAuth:
		return "AuthError"
	case FailureParentMissing:
		return "ParentMissing"
	case FailureRankMismatch:
		return "RankMismatch"
	case FailureSequenceRegressed:
		return "SequenceRegressed"
	case FailureTooManySpeculative:
		return "TooManySpeculativeNodes"
	default:
		return "UnknownFailure"
	}
}

// ValidationError wraps a Validate failure with its classification so
// callers (the engine) can branch on Kind without string matching.
type ValidationError struct {
	Kind FailureKind
	Err  error
}

func (e *ValidationError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func fail(kind FailureKind, err error) error {
	return &ValidationError{Kind: kind, Err: err}
}

// ParentInfo is what the validator needs to know about an already-seen
// parent node: its rank, for the child's rank check, and nothing else
// (sequence regression is checked per-device, not per-parent).
type ParentInfo struct {
	Rank uint64
}

// Deps supplies everything Validate needs from the surrounding
// conversation state; the engine constructs one per validation call
// from its store and identity manager.
type Deps struct {
	Conversation ids.ConversationId
	Identity     *identity.Manager

	// LookupParent resolves a previously-accepted node's ParentInfo.
	LookupParent func(h ids.Hash) (ParentInfo, bool)

	// LastSequence returns the highest sequence number previously
	// accepted from device, if any.
	LastSequence func(device ids.DeviceId) (uint64, bool)

	// MsgKey is this node's ratchet-derived message key, used both to
	// verify an AuthMAC tag and to decrypt the payload.
	MsgKey ids.MsgKey

	// SpeculativeCount and MaxSpeculative implement the back-pressure
	// check; MaxSpeculative <= 0 disables it.
	SpeculativeCount func() int
	MaxSpeculative   int
}

// Validate runs the §4.3 checks against wire in order: authentication,
// parent existence, rank, sequence monotonicity, back-pressure, and
// finally payload-specific structural checks against the decrypted
// payload. It returns the decrypted Node on success.
func Validate(wire *WireNode, deps Deps) (*Node, error) {
	if err := verifyAuth(wire, deps); err != nil {
		return nil, err
	}

	maxParentRank := uint64(0)
	haveParent := false
	for _, p := range wire.Parents {
		info, ok := deps.LookupParent(p)
		if !ok {
			return nil, fail(FailureParentMissing, errors.Newf("parent %s not found", p))
		}
		if !haveParent || info.Rank > maxParentRank {
			maxParentRank = info.Rank
			haveParent = true
		}
	}
	wantRank := uint64(0)
	if haveParent {
		wantRank = maxParentRank + 1
	}
	if wire.Rank != wantRank {
		return nil, fail(FailureRankMismatch, errors.Newf("rank %d, want %d", wire.Rank, wantRank))
	}

	if last, ok := deps.LastSequence(wire.AuthorDevice); ok && wire.Sequence <= last {
		return nil, fail(FailureSequenceRegressed, errors.Newf("sequence %d did not advance past %d", wire.Sequence, last))
	}

	if deps.MaxSpeculative > 0 && deps.SpeculativeCount() >= deps.MaxSpeculative {
		return nil, fail(FailureTooManySpeculative, errors.Newf("speculative node limit %d reached", deps.MaxSpeculative))
	}

	node, err := Decrypt(wire, deps.MsgKey)
	if err != nil {
		return nil, fail(FailureStructural, err)
	}
	if err := node.Payload.Validate(); err != nil {
		return nil, fail(FailureStructural, err)
	}
	return node, nil
}

func verifyAuth(wire *WireNode, deps Deps) error {
	switch wire.Auth.Kind {
	case AuthSignature:
		pub := ed25519.PublicKey(wire.AuthorIdentity[:])
		if !wire.VerifyAuth(pub, ids.MsgKey{}) {
			return fail(FailureAuth, errors.New("signature does not verify"))
		}
	case AuthMAC:
		if len(wire.Parents) > 0 && !deps.Identity.IsAuthorized(deps.Conversation, wire.AuthorDevice) {
			return fail(FailureAuth, errors.Newf("device %s not authorized in conversation", wire.AuthorDevice))
		}
		if !wire.VerifyAuth(nil, deps.MsgKey) {
			return fail(FailureAuth, errors.New("MAC does not verify"))
		}
	default:
		return fail(FailureAuth, errors.Newf("unknown auth kind %d", wire.Auth.Kind))
	}
	return nil
}
