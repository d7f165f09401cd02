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
	"sync"
	"time"
)

// MemoryStore keeps audit entries in memory, in append order.
// Useful for tests and for installs that opt out of durable audit storage.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates an in-memory audit store. The capacity hint sizes
// the initial backing slice; 0 uses a small default.
func NewMemoryStore(capacityHint int) *MemoryStore {
	if capacityHint <= 0 {
		capacityHint = 64
	}
	return &MemoryStore{
		entries: make([]*Entry, 0, capacityHint),
	}
}

// Append adds an entry in creation order.
func (m *MemoryStore) Append(entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.entries = append(m.entries, entry)
	return nil
}

// List returns up to limit entries, oldest first.
func (m *MemoryStore) List(limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*Entry, n)
	copy(result, m.entries[:n])
	return result, nil
}

// Count returns the number of retained entries.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.entries), nil
}

// DeleteOlderThan removes entries with timestamps before cutoff.
func (m *MemoryStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	kept := m.entries[:0]
	removed := 0
	for _, entry := range m.entries {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	// Clear trailing references so removed entries can be collected.
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = nil
	}
	m.entries = kept
	return removed, nil
}

// DeleteOldest removes the n oldest entries.
func (m *MemoryStore) DeleteOldest(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	if n <= 0 {
		return 0, nil
	}
	if n > len(m.entries) {
		n = len(m.entries)
	}
	remaining := make([]*Entry, len(m.entries)-n)
	copy(remaining, m.entries[n:])
	m.entries = remaining
	return n, nil
}

// Close marks the store closed and drops retained entries.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.closed = true
	return nil
}

// Verify interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
