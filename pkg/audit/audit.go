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

// Package audit provides an append-only, retention-bounded record of
// security-relevant events. Every component in the module writes here;
// nothing reads back out of it except retention pruning and the
// user-initiated encrypted export. Recording never fails the caller:
// a broken audit trail must not turn into an authentication failure.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
)

// Event types recorded by the security core.
const (
	EventKeyGenerate     = "key_generate"
	EventKeyDelete       = "key_delete"
	EventEncrypt         = "encrypt"
	EventDecrypt         = "decrypt"
	EventBiometricPrompt = "biometric_prompt"
	EventIdentityImport  = "identity_import"
	EventChallengeSign   = "challenge_sign"
	EventSessionCreate   = "session_create"
	EventSessionResume   = "session_resume"
	EventSessionDelete   = "session_delete"
	EventCertValidate    = "cert_validate"
	EventCertApprove     = "cert_approve"
	EventCertRevoke      = "cert_revoke"
	EventLock            = "lock"
	EventExport          = "audit_export"
)

// ExportAlias is the cipher key alias used for diagnostic exports.
const ExportAlias = "keyguard-audit-export"

var (
	// ErrStoreClosed is returned when appending to a closed store.
	ErrStoreClosed = errors.New("audit: store closed")

	// ErrExportFailed is returned when the diagnostic export cannot be
	// serialized or encrypted.
	ErrExportFailed = errors.New("audit: export failed")
)

// Entry is a single audit record. Details holds event-specific fields as
// JSON and must never contain secret material.
type Entry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details,omitempty"`
	Success   bool            `json:"success"`
	Timestamp time.Time       `json:"timestamp"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// Store persists audit entries in creation order.
// All implementations must be thread-safe.
type Store interface {
	// Append adds an entry to the store.
	Append(entry *Entry) error

	// List returns up to limit entries, oldest first.
	// A limit of 0 returns all entries.
	List(limit int) ([]*Entry, error)

	// Count returns the number of retained entries.
	Count() (int, error)

	// DeleteOlderThan removes entries with a timestamp before cutoff and
	// returns the number removed.
	DeleteOlderThan(cutoff time.Time) (int, error)

	// DeleteOldest removes the n oldest entries by creation order and
	// returns the number removed.
	DeleteOldest(n int) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// Encrypter produces the at-rest ciphertext framing for exports. The cipher
// service satisfies this; the indirection exists because the cipher service
// itself records audit events.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, alias string, requireBiometric bool) ([]byte, error)
}

// Config configures an audit Sink.
type Config struct {
	// Store persists entries. Defaults to an in-memory store.
	Store Store

	// RetentionAge is the maximum age of retained entries.
	// Defaults to 30 days.
	RetentionAge time.Duration

	// MaxEntries caps the number of retained entries. After age pruning,
	// the oldest excess entries are removed. Defaults to 10000.
	MaxEntries int

	// Logger receives internal sink failures. Defaults to the package
	// default logger.
	Logger *logging.Logger

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Sink is the append-only audit log. Record never returns an error;
// internal failures are logged and dropped.
type Sink struct {
	store     Store
	retention time.Duration
	cap       int
	logger    *logging.Logger
	clock     func() time.Time
	mu        sync.Mutex
}

// NewSink creates an audit sink with the given configuration.
func NewSink(config *Config) *Sink {
	if config == nil {
		config = &Config{}
	}

	store := config.Store
	if store == nil {
		store = NewMemoryStore(0)
	}

	retention := config.RetentionAge
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}

	capEntries := config.MaxEntries
	if capEntries == 0 {
		capEntries = 10000
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Sink{
		store:     store,
		retention: retention,
		cap:       capEntries,
		logger:    logger,
		clock:     clock,
	}
}

// Record appends an audit entry. Details are marshaled to JSON; marshal
// failures are replaced with an error marker rather than dropped, so the
// event itself is never lost. Concurrent callers are safe; ordering between
// them carries no guarantee beyond the entry timestamps.
func (s *Sink) Record(eventType string, details map[string]any, success bool, errorCode string) {
	var raw json.RawMessage
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			s.logger.Errorf("audit: failed to marshal details for %s: %v", eventType, err)
			data = []byte(`{"marshal_error":true}`)
		}
		raw = data
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		EventType: eventType,
		Details:   raw,
		Success:   success,
		Timestamp: s.clock(),
		ErrorCode: errorCode,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Append(entry); err != nil {
		s.logger.Errorf("audit: failed to append %s entry: %v", eventType, err)
		return
	}
	s.prune()
}

// prune enforces retention: first by age, then by count, oldest first.
// Caller must hold s.mu.
func (s *Sink) prune() {
	cutoff := s.clock().Add(-s.retention)
	if _, err := s.store.DeleteOlderThan(cutoff); err != nil {
		s.logger.Errorf("audit: age pruning failed: %v", err)
		return
	}

	count, err := s.store.Count()
	if err != nil {
		s.logger.Errorf("audit: count failed: %v", err)
		return
	}
	if count > s.cap {
		if _, err := s.store.DeleteOldest(count - s.cap); err != nil {
			s.logger.Errorf("audit: count pruning failed: %v", err)
		}
	}
}

// Entries returns up to limit retained entries, oldest first.
// A limit of 0 returns all retained entries.
func (s *Sink) Entries(limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.List(limit)
}

// Export serializes the retained entries as JSON and encrypts them under
// the dedicated export alias. The result is base64-encoded ciphertext in
// the standard nonce-ciphertext-tag framing, intended for user-initiated
// diagnostic export only.
func (s *Sink) Export(ctx context.Context, encrypter Encrypter) (string, error) {
	entries, err := s.Entries(0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	blob, err := encrypter.Encrypt(ctx, data, ExportAlias, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}

	s.Record(EventExport, map[string]any{"entries": len(entries)}, true, "")
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Close closes the underlying store.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Close()
}
