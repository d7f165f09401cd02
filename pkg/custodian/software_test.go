// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyguard.
//
// go-keyguard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package custodian

import (
	"context"
	"testing"

	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// approvingPrompter authorizes every presence check.
type approvingPrompter struct{}

func (p *approvingPrompter) Prompt(ctx context.Context, purpose string) (biometric.Outcome, error) {
	return biometric.OutcomeAuthorized, nil
}

func newTestBackend(t *testing.T) (*SoftwareBackend, *biometric.Gate) {
	t.Helper()
	gate := biometric.NewGate(&biometric.Config{Prompter: &approvingPrompter{}})
	backend, err := NewSoftwareBackend(&SoftwareConfig{
		Storage: storage.NewMemory(),
		Gate:    gate,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, gate
}

func authorize(t *testing.T, gate *biometric.Gate, alias string) *biometric.Authorization {
	t.Helper()
	authz, err := gate.RequestAuthorization(context.Background(), alias)
	require.NoError(t, err)
	return authz
}

func TestSoftwareBackend_MasterKeyIdempotent(t *testing.T) {
	backend, _ := newTestBackend(t)

	first, err := backend.MasterKey()
	require.NoError(t, err)
	second, err := backend.MasterKey()
	require.NoError(t, err)

	firstRaw, err := first.Raw()
	require.NoError(t, err)
	secondRaw, err := second.Raw()
	require.NoError(t, err)

	assert.Equal(t, firstRaw, secondRaw, "master key must survive repeated calls")
	assert.Len(t, firstRaw, KeySize)
	assert.Equal(t, MasterKeyAlias, first.Alias())
	assert.False(t, first.Protected())
}

func TestSoftwareBackend_RawReturnsCopy(t *testing.T) {
	backend, _ := newTestBackend(t)

	key, err := backend.MasterKey()
	require.NoError(t, err)

	raw, err := key.Raw()
	require.NoError(t, err)
	raw[0] ^= 0xFF

	again, err := key.Raw()
	require.NoError(t, err)
	assert.NotEqual(t, raw[0], again[0], "mutating a released copy must not reach the handle")
}

func TestSoftwareBackend_CreateProtectedKey(t *testing.T) {
	backend, _ := newTestBackend(t)

	key, err := backend.CreateProtectedKey("identity-1")
	require.NoError(t, err)
	assert.True(t, key.Protected())

	protected, err := backend.IsProtected("identity-1")
	require.NoError(t, err)
	assert.True(t, protected)

	_, err = backend.CreateProtectedKey("identity-1")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestSoftwareBackend_CreateProtectedKeyRequiresBiometric(t *testing.T) {
	gate := biometric.NewGate(&biometric.Config{}) // no prompter
	backend, err := NewSoftwareBackend(&SoftwareConfig{
		Storage: storage.NewMemory(),
		Gate:    gate,
	})
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	_, err = backend.CreateProtectedKey("identity-1")
	assert.ErrorIs(t, err, ErrBiometricUnavailable)
}

func TestSoftwareBackend_InvalidAliases(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.CreateProtectedKey("")
	assert.ErrorIs(t, err, ErrKeyGeneration)

	_, err = backend.CreateProtectedKey(MasterKeyAlias)
	assert.ErrorIs(t, err, ErrKeyGeneration)
}

func TestSoftwareBackend_ProtectedKeyConsumesAuthorization(t *testing.T) {
	backend, gate := newTestBackend(t)

	created, err := backend.CreateProtectedKey("identity-1")
	require.NoError(t, err)
	createdRaw, err := created.Raw()
	require.NoError(t, err)

	authz := authorize(t, gate, "identity-1")
	key, err := backend.ProtectedKey("identity-1", authz)
	require.NoError(t, err)

	raw, err := key.Raw()
	require.NoError(t, err)
	assert.Equal(t, createdRaw, raw)

	// The authorization is single-use.
	_, err = backend.ProtectedKey("identity-1", authz)
	assert.ErrorIs(t, err, biometric.ErrAuthorizationConsumed)
}

func TestSoftwareBackend_ProtectedKeyRequiresAuthorization(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.CreateProtectedKey("identity-1")
	require.NoError(t, err)

	_, err = backend.ProtectedKey("identity-1", nil)
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
}

func TestSoftwareBackend_ProtectedKeyWrongPurpose(t *testing.T) {
	backend, gate := newTestBackend(t)

	_, err := backend.CreateProtectedKey("identity-1")
	require.NoError(t, err)

	authz := authorize(t, gate, "identity-2")
	_, err = backend.ProtectedKey("identity-1", authz)
	assert.ErrorIs(t, err, biometric.ErrPurposeMismatch)
}

func TestSoftwareBackend_MasterKeyNotServedAsProtected(t *testing.T) {
	backend, gate := newTestBackend(t)

	_, err := backend.MasterKey()
	require.NoError(t, err)

	authz := authorize(t, gate, MasterKeyAlias)
	_, err = backend.ProtectedKey(MasterKeyAlias, authz)
	assert.ErrorIs(t, err, ErrNotProtected)
}

func TestSoftwareBackend_DeleteKey(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.CreateProtectedKey("identity-1")
	require.NoError(t, err)

	require.NoError(t, backend.DeleteKey("identity-1"))

	exists, err := backend.KeyExists("identity-1")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, backend.DeleteKey("identity-1"), ErrKeyNotFound)
}

func TestSoftwareBackend_ClosedOperationsFail(t *testing.T) {
	gate := biometric.NewGate(&biometric.Config{Prompter: &approvingPrompter{}})
	backend, err := NewSoftwareBackend(&SoftwareConfig{
		Storage: storage.NewMemory(),
		Gate:    gate,
	})
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	_, err = backend.MasterKey()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = backend.CreateProtectedKey("identity-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecordEncoding(t *testing.T) {
	material, err := newKeyMaterial()
	require.NoError(t, err)

	decoded, protected, err := decodeRecord(encodeRecord(material, true))
	require.NoError(t, err)
	assert.True(t, protected)
	assert.Equal(t, material, decoded)

	decoded, protected, err = decodeRecord(encodeRecord(material, false))
	require.NoError(t, err)
	assert.False(t, protected)
	assert.Equal(t, material, decoded)

	_, _, err = decodeRecord(material) // missing flag byte
	assert.ErrorIs(t, err, ErrKeyGeneration)
}
