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

// Package ratelimit provides a per-key sliding-window attempt limiter.
// Attempts older than the window are pruned before counting, so a key
// that exhausted its budget becomes eligible again as soon as the oldest
// attempt ages out rather than at a fixed interval boundary.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts allows this many attempts per key per window.
	DefaultMaxAttempts = 5

	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute

	// DefaultCleanupInterval controls how often idle keys are evicted.
	DefaultCleanupInterval = 5 * time.Minute
)

// Config configures a Window.
type Config struct {
	// MaxAttempts per key within Window. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Window is the sliding window length. Defaults to DefaultWindow.
	Window time.Duration

	// CleanupInterval controls the idle-key eviction pass. Zero disables
	// the background worker; eviction then happens only via Reset.
	CleanupInterval time.Duration

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time
}

// Window tracks recent attempt timestamps per key and enforces a maximum
// attempt count within a sliding time window. Safe for concurrent use.
type Window struct {
	maxAttempts int
	window      time.Duration
	clock       func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a sliding-window limiter. If config.CleanupInterval is
// non-zero a background goroutine evicts keys whose attempts have all
// aged out; call Stop to terminate it.
func New(config *Config) *Window {
	if config == nil {
		config = &Config{}
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	window := config.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	w := &Window{
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clock,
		attempts:    make(map[string][]time.Time),
		stop:        make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go w.cleanupWorker(config.CleanupInterval)
	}
	return w
}

// Allow reports whether key has remaining attempt budget. It prunes
// expired attempts first but does not record a new attempt; pair with
// Record at the point the attempt actually happens.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key)) < w.maxAttempts
}

// Record registers an attempt against key at the current time. Both
// successful and failed attempts count.
func (w *Window) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key] = append(w.prune(key), w.clock())
}

// Remaining returns the attempt budget left for key in the current window.
func (w *Window) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.maxAttempts - len(w.prune(key))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears all recorded attempts for key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, key)
}

// Stop terminates the background cleanup worker. Idempotent.
func (w *Window) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// prune drops attempts older than the window for key and returns the
// surviving slice. Caller holds w.mu. Keys left empty are removed from
// the map so idle keys do not accumulate.
func (w *Window) prune(key string) []time.Time {
	cutoff := w.clock().Add(-w.window)
	recorded := w.attempts[key]

	kept := recorded[:0]
	for _, at := range recorded {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) == 0 {
		delete(w.attempts, key)
		return nil
	}
	w.attempts[key] = kept
	return kept
}

func (w *Window) cleanupWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			for key := range w.attempts {
				w.prune(key)
			}
			w.mu.Unlock()
		}
	}
}
