package identity

import (
	"testing"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/merkle-tox/ids"
)

func genIdentity(t *testing.T) (ids.IdentityId, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var id ids.IdentityId
	copy(id[:], pub)
	return id, priv
}

func conv(b byte) ids.ConversationId {
	var c ids.ConversationId
	for i := range c {
		c[i] = b
	}
	return c
}

func TestAuthorizeDeviceAndResolve(t *testing.T) {
	master, masterSK := genIdentity(t)
	device, _ := genIdentity(t)

	cert := Certificate{
		Identity:    master,
		DeviceKey:   device,
		Permissions: PermissionPost | PermissionAdmin,
		ExpiryMs:    1_000_000,
	}
	cert.Sign(master, masterSK)

	m := New()
	c := conv(1)
	require.NoError(t, m.AuthorizeDevice(c, cert, 500_000, 0))

	identity, perms, ok := m.Resolve(c, device)
	require.True(t, ok)
	require.Equal(t, master, identity)
	require.Equal(t, PermissionPost|PermissionAdmin, perms)
	require.True(t, m.IsAuthorized(c, device))
}

func TestAuthorizeDeviceExpired(t *testing.T) {
	master, masterSK := genIdentity(t)
	device, _ := genIdentity(t)
	cert := Certificate{Identity: master, DeviceKey: device, ExpiryMs: 100}
	cert.Sign(master, masterSK)

	m := New()
	err := m.AuthorizeDevice(conv(2), cert, 200, 0)
	require.ErrorIs(t, err, ErrCertExpired)
}

func TestAuthorizeDeviceBadSignature(t *testing.T) {
	master, masterSK := genIdentity(t)
	device, _ := genIdentity(t)
	cert := Certificate{Identity: master, DeviceKey: device, ExpiryMs: 0}
	cert.Sign(master, masterSK)
	cert.Signature[0] ^= 0xFF // tamper

	m := New()
	err := m.AuthorizeDevice(conv(3), cert, 1, 0)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestResolveUnknownDevice(t *testing.T) {
	m := New()
	device, _ := genIdentity(t)
	_, _, ok := m.Resolve(conv(4), device)
	require.False(t, ok)
}
