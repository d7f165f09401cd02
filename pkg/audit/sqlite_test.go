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

package audit

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	store := newTestSQLiteStore(t)

	base := time.Unix(1700000000, 0)
	require.NoError(t, store.Append(&Entry{
		ID:        "id-1",
		EventType: EventEncrypt,
		Details:   []byte(`{"alias":"a"}`),
		Success:   true,
		Timestamp: base,
	}))
	require.NoError(t, store.Append(&Entry{
		ID:        "id-2",
		EventType: EventDecrypt,
		Success:   false,
		Timestamp: base.Add(time.Second),
		ErrorCode: "decryption_failed",
	}))

	entries, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "id-1", entries[0].ID)
	assert.Equal(t, EventEncrypt, entries[0].EventType)
	assert.JSONEq(t, `{"alias":"a"}`, string(entries[0].Details))
	assert.True(t, entries[0].Success)
	assert.True(t, entries[0].Timestamp.Equal(base))

	assert.Equal(t, "id-2", entries[1].ID)
	assert.False(t, entries[1].Success)
	assert.Equal(t, "decryption_failed", entries[1].ErrorCode)
	assert.Nil(t, entries[1].Details)
}

func TestSQLiteStore_Pruning(t *testing.T) {
	store := newTestSQLiteStore(t)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(&Entry{
			ID:        fmt.Sprintf("id-%d", i),
			EventType: EventEncrypt,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	removed, err := store.DeleteOlderThan(base.Add(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = store.DeleteOldest(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "id-4", entries[0].ID)
	assert.Equal(t, "id-5", entries[1].ID)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(&Entry{
		ID:        "id-1",
		EventType: EventLock,
		Timestamp: time.Unix(1700000000, 0),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	count, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
