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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_PutAndGet(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("k", []byte("v"), nil))

	value, err := backend.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestMemoryBackend_GetNotFound(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_Overwrite(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("k", []byte("old"), nil))
	require.NoError(t, backend.Put("k", []byte("new"), nil))

	value, err := backend.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
}

func TestMemoryBackend_GetReturnsCopy(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("k", []byte("value"), nil))

	value, err := backend.Get("k")
	require.NoError(t, err)
	value[0] = 'X'

	again, err := backend.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again, "mutating a returned value must not affect the store")
}

func TestMemoryBackend_Delete(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("k", []byte("v"), nil))
	require.NoError(t, backend.Delete("k"))

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, backend.Delete("k"), ErrNotFound)
}

func TestMemoryBackend_List(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("sessions/a", []byte("1"), nil))
	require.NoError(t, backend.Put("sessions/b", []byte("2"), nil))
	require.NoError(t, backend.Put("keys/c", []byte("3"), nil))

	keys, err := backend.List("sessions/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sessions/a", "sessions/b"}, keys)

	all, err := backend.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryBackend_Exists(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	exists, err := backend.Exists("k")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, backend.Put("k", []byte("v"), nil))

	exists, err = backend.Exists("k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryBackend_ClosedOperationsFail(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Close())

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.Put("k", []byte("v"), nil), ErrClosed)
}

func TestMemoryBackend_EmptyKeyRejected(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	assert.ErrorIs(t, backend.Put("", []byte("v"), nil), ErrInvalidKey)
}
