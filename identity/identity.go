// Package identity maintains, per conversation, the map from logical
// identity to its currently-authorized device set (§4.5), built by
// applying AuthorizeDevice admin-control actions in topological order.
package identity

import (
	"sync"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/ids"
)

// Permission is a bitmask of what an authorized device may do.
type Permission uint32

const (
	PermissionPost Permission = 1 << iota
	PermissionAdmin
	PermissionInvite
)

// ErrCertExpired is returned when a certificate's expiry has passed.
var ErrCertExpired = errors.New("identity: certificate expired")

// ErrBadSignature is returned when a certificate's signature doesn't
// verify under its claimed authorizing identity.
var ErrBadSignature = errors.New("identity: bad certificate signature")

// Certificate authorizes DeviceKey to act on behalf of Identity, signed
// by Signer. AuthorizeDevice checks the signature under Signer and the
// expiry; it does not check that Signer is itself authorized in the
// conversation.
type Certificate struct {
	Identity    ids.IdentityId
	DeviceKey   ids.DeviceId
	Permissions Permission
	ExpiryMs    int64
	Signer      ids.IdentityId
	Signature   []byte // ed25519.SignatureSize bytes
}

// SigningBytes returns the bytes the certificate's signature covers.
func (c *Certificate) SigningBytes() []byte {
	out := make([]byte, 0, 32+32+4+8)
	out = append(out, c.Identity[:]...)
	out = append(out, c.DeviceKey[:]...)
	out = append(out, byte(c.Permissions), byte(c.Permissions>>8), byte(c.Permissions>>16), byte(c.Permissions>>24))
	for i := 56; i >= 0; i -= 8 {
		out = append(out, byte(c.ExpiryMs>>uint(i)))
	}
	return out
}

// Sign signs the certificate with signerSecret (the signer's Ed25519
// private key) and sets Signer/Signature.
func (c *Certificate) Sign(signer ids.IdentityId, signerSecret ed25519.PrivateKey) {
	c.Signer = signer
	c.Signature = ed25519.Sign(signerSecret, c.SigningBytes())
}

func (c *Certificate) verify() error {
	if !ed25519.Verify(ed25519.PublicKey(c.Signer[:]), c.SigningBytes(), c.Signature) {
		return ErrBadSignature
	}
	return nil
}

type deviceRecord struct {
	permissions Permission
	expiryMs    int64
}

type conversationAuth struct {
	// identity -> device key -> record
	devices map[ids.IdentityId]map[ids.DeviceId]deviceRecord
	// device key -> identity, for fast Resolve
	ownerOf map[ids.DeviceId]ids.IdentityId
}

func newConversationAuth() *conversationAuth {
	return &conversationAuth{
		devices: make(map[ids.IdentityId]map[ids.DeviceId]deviceRecord),
		ownerOf: make(map[ids.DeviceId]ids.IdentityId),
	}
}

// Manager tracks authorized devices for every conversation it has seen.
type Manager struct {
	mu   sync.RWMutex
	conv map[ids.ConversationId]*conversationAuth
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{conv: make(map[ids.ConversationId]*conversationAuth)}
}

// AuthorizeDevice validates cert's signature and expiry against nowMs
// and, if valid, authorizes cert.DeviceKey under cert.Identity in conv.
// epoch is accepted for future epoch-scoped revocation and currently
// unused beyond being recorded by the caller (the store).
func (m *Manager) AuthorizeDevice(conv ids.ConversationId, cert Certificate, nowMs int64, epoch uint64) error {
	if cert.ExpiryMs != 0 && nowMs > cert.ExpiryMs {
		return ErrCertExpired
	}
	if err := cert.verify(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ca, ok := m.conv[conv]
	if !ok {
		ca = newConversationAuth()
		m.conv[conv] = ca
	}
	if ca.devices[cert.Identity] == nil {
		ca.devices[cert.Identity] = make(map[ids.DeviceId]deviceRecord)
	}
	ca.devices[cert.Identity][cert.DeviceKey] = deviceRecord{
		permissions: cert.Permissions,
		expiryMs:    cert.ExpiryMs,
	}
	ca.ownerOf[cert.DeviceKey] = cert.Identity
	return nil
}

// Resolve returns the logical identity and permissions for a device
// key authorized in conv, used by the validator to check whether a
// MAC-authenticated node's sender device belongs to an authorized
// identity.
func (m *Manager) Resolve(conv ids.ConversationId, device ids.DeviceId) (ids.IdentityId, Permission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ca, ok := m.conv[conv]
	if !ok {
		return ids.IdentityId{}, 0, false
	}
	identity, ok := ca.ownerOf[device]
	if !ok {
		return ids.IdentityId{}, 0, false
	}
	rec, ok := ca.devices[identity][device]
	if !ok {
		return ids.IdentityId{}, 0, false
	}
	return identity, rec.permissions, true
}

// IsAuthorized reports whether device is currently authorized in conv.
func (m *Manager) IsAuthorized(conv ids.ConversationId, device ids.DeviceId) bool {
	_, _, ok := m.Resolve(conv, device)
	return ok
}
