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

package file

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jeremyhahn/go-keyguard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestFileStorage_PutAndGet(t *testing.T) {
	backend := newTestStorage(t)

	require.NoError(t, backend.Put("k", []byte("v"), nil))

	value, err := backend.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestFileStorage_GetNotFound(t *testing.T) {
	backend := newTestStorage(t)

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStorage_NestedKeys(t *testing.T) {
	backend := newTestStorage(t)

	require.NoError(t, backend.Put("sessions/abc", []byte("s"), nil))
	require.NoError(t, backend.Put("keys/protected/def", []byte("k"), nil))

	keys, err := backend.List("sessions/")
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions/abc"}, keys)

	value, err := backend.Get("keys/protected/def")
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), value)
}

func TestFileStorage_Delete(t *testing.T) {
	backend := newTestStorage(t)

	require.NoError(t, backend.Put("k", []byte("v"), nil))
	require.NoError(t, backend.Delete("k"))

	_, err := backend.Get("k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, backend.Delete("k"), storage.ErrNotFound)
}

func TestFileStorage_PathTraversalRejected(t *testing.T) {
	backend := newTestStorage(t)

	assert.ErrorIs(t, backend.Put("../escape", []byte("v"), nil), storage.ErrInvalidKey)
	_, err := backend.Get("../../etc/passwd")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestFileStorage_EmptyKeyRejected(t *testing.T) {
	backend := newTestStorage(t)

	assert.ErrorIs(t, backend.Put("", []byte("v"), nil), storage.ErrInvalidKey)
}

func TestFileStorage_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions not enforced on windows")
	}

	dir := t.TempDir()
	backend, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put("k", []byte("secret"), nil))

	info, err := os.Stat(filepath.Join(dir, "k"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStorage_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	backend, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, backend.Put("k", []byte("v"), nil))
	require.NoError(t, backend.Close())

	reopened, err := New(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	value, err := reopened.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}
