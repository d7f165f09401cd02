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
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// xorEncrypter is a stand-in for the cipher service in export tests.
type xorEncrypter struct{}

func (e *xorEncrypter) Encrypt(ctx context.Context, plaintext []byte, alias string, requireBiometric bool) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ 0xAA
	}
	return out, nil
}

type failingEncrypter struct{}

func (e *failingEncrypter) Encrypt(ctx context.Context, plaintext []byte, alias string, requireBiometric bool) ([]byte, error) {
	return nil, fmt.Errorf("no key available")
}

func TestSink_RecordAndEntries(t *testing.T) {
	sink := NewSink(nil)
	defer func() { _ = sink.Close() }()

	sink.Record(EventEncrypt, map[string]any{"alias": "a"}, true, "")
	sink.Record(EventDecrypt, nil, false, "decryption_failed")

	entries, err := sink.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, EventEncrypt, entries[0].EventType)
	assert.True(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	assert.Equal(t, EventDecrypt, entries[1].EventType)
	assert.False(t, entries[1].Success)
	assert.Equal(t, "decryption_failed", entries[1].ErrorCode)

	var details map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	assert.Equal(t, "a", details["alias"])
}

func TestSink_EntriesLimit(t *testing.T) {
	sink := NewSink(nil)
	defer func() { _ = sink.Close() }()

	for i := 0; i < 5; i++ {
		sink.Record(EventEncrypt, nil, true, "")
	}

	entries, err := sink.Entries(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSink_PrunesByAge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := NewSink(&Config{
		RetentionAge: time.Hour,
		Clock:        clock.Now,
	})
	defer func() { _ = sink.Close() }()

	sink.Record(EventEncrypt, nil, true, "")
	clock.Advance(2 * time.Hour)
	sink.Record(EventDecrypt, nil, true, "")

	entries, err := sink.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventDecrypt, entries[0].EventType)
}

func TestSink_PrunesByCountOldestFirst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := NewSink(&Config{
		MaxEntries: 3,
		Clock:      clock.Now,
	})
	defer func() { _ = sink.Close() }()

	for i := 0; i < 5; i++ {
		sink.Record(EventEncrypt, map[string]any{"n": i}, true, "")
		clock.Advance(time.Second)
	}

	entries, err := sink.Entries(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Details, &first))
	assert.Equal(t, float64(2), first["n"], "the two oldest entries should have been pruned")
}

func TestSink_Export(t *testing.T) {
	sink := NewSink(nil)
	defer func() { _ = sink.Close() }()

	sink.Record(EventEncrypt, nil, true, "")
	sink.Record(EventDecrypt, nil, true, "")

	encoded, err := sink.Export(context.Background(), &xorEncrypter{})
	require.NoError(t, err)

	blob, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	// Undo the stand-in cipher and check the payload round-trips.
	for i := range blob {
		blob[i] ^= 0xAA
	}
	var entries []*Entry
	require.NoError(t, json.Unmarshal(blob, &entries))
	assert.Len(t, entries, 2)

	// The export itself lands in the log after the snapshot.
	after, err := sink.Entries(0)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, EventExport, after[2].EventType)
}

func TestSink_ExportEncryptFailure(t *testing.T) {
	sink := NewSink(nil)
	defer func() { _ = sink.Close() }()

	sink.Record(EventEncrypt, nil, true, "")

	_, err := sink.Export(context.Background(), &failingEncrypter{})
	assert.ErrorIs(t, err, ErrExportFailed)
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	store := NewMemoryStore(0)
	defer func() { _ = store.Close() }()

	base := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(&Entry{
			ID:        fmt.Sprintf("id-%d", i),
			EventType: EventEncrypt,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	removed, err := store.DeleteOlderThan(base.Add(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryStore_DeleteOldest(t *testing.T) {
	store := NewMemoryStore(0)
	defer func() { _ = store.Close() }()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(&Entry{ID: fmt.Sprintf("id-%d", i)}))
	}

	removed, err := store.DeleteOldest(3)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "id-3", entries[0].ID)
}

func TestMemoryStore_AppendAfterClose(t *testing.T) {
	store := NewMemoryStore(0)
	require.NoError(t, store.Close())

	err := store.Append(&Entry{ID: "x"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
