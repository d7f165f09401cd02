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
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
)

const keyPrefix = "keys/"

// SoftwareBackend stores key records in a storage.Backend. It provides no
// hardware isolation and exists for tests and for installs that explicitly
// opted out of the OS secure store.
type SoftwareBackend struct {
	storage storage.Backend
	gate    *biometric.Gate
	audit   *audit.Sink
	logger  *logging.Logger
	mu      sync.RWMutex
	closed  bool
}

// SoftwareConfig configures a SoftwareBackend.
type SoftwareConfig struct {
	// Storage holds the key records. Required.
	Storage storage.Backend

	// Gate is consulted for biometric availability and authorization
	// checks on protected keys. Required.
	Gate *biometric.Gate

	// Audit receives key lifecycle events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// NewSoftwareBackend creates a software custodian over the given storage.
func NewSoftwareBackend(config *SoftwareConfig) (*SoftwareBackend, error) {
	if config == nil || config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrKeyGeneration)
	}
	if config.Gate == nil {
		return nil, fmt.Errorf("%w: biometric gate is required", ErrKeyGeneration)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &SoftwareBackend{
		storage: config.Storage,
		gate:    config.Gate,
		audit:   config.Audit,
		logger:  logger,
	}, nil
}

// MasterKey returns the master key, creating it on first call.
func (b *SoftwareBackend) MasterKey() (Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	return b.getOrCreateMaster()
}

func (b *SoftwareBackend) getOrCreateMaster() (Key, error) {
	record, err := b.storage.Get(keyPrefix + MasterKeyAlias)
	if err == nil {
		material, protected, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		if protected {
			return nil, fmt.Errorf("%w: master key record is flagged protected", ErrKeyGeneration)
		}
		return &symmetricKey{alias: MasterKeyAlias, material: material}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	material, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}
	if err := b.storage.Put(keyPrefix+MasterKeyAlias, encodeRecord(material, false), storage.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	b.recordEvent(audit.EventKeyGenerate, MasterKeyAlias, false, true)
	return &symmetricKey{alias: MasterKeyAlias, material: material}, nil
}

// CreateProtectedKey creates a biometric-gated key under alias.
func (b *SoftwareBackend) CreateProtectedKey(alias string) (Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if alias == "" || alias == MasterKeyAlias {
		return nil, fmt.Errorf("%w: invalid alias %q", ErrKeyGeneration, alias)
	}
	if !b.gate.Available() {
		return nil, ErrBiometricUnavailable
	}

	exists, err := b.storage.Exists(keyPrefix + alias)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, alias)
	}

	material, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}
	if err := b.storage.Put(keyPrefix+alias, encodeRecord(material, true), storage.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	b.recordEvent(audit.EventKeyGenerate, alias, true, true)
	return &symmetricKey{alias: alias, material: material, protected: true}, nil
}

// ProtectedKey releases the protected key for alias after consuming authz.
func (b *SoftwareBackend) ProtectedKey(alias string, authz *biometric.Authorization) (Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if authz == nil {
		return nil, ErrAuthorizationRequired
	}

	record, err := b.storage.Get(keyPrefix + alias)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	material, protected, err := decodeRecord(record)
	if err != nil {
		return nil, err
	}
	if !protected {
		return nil, fmt.Errorf("%w: %s", ErrNotProtected, alias)
	}

	// The authorization must be consumed before key material leaves the
	// custodian; a failed Consume must not release anything.
	if err := authz.Consume(alias); err != nil {
		return nil, err
	}

	return &symmetricKey{alias: alias, material: material, protected: true}, nil
}

// IsProtected reports whether alias names a protected key.
func (b *SoftwareBackend) IsProtected(alias string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, ErrClosed
	}

	record, err := b.storage.Get(keyPrefix + alias)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return false, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	_, protected, err := decodeRecord(record)
	if err != nil {
		return false, err
	}
	return protected, nil
}

// KeyExists checks whether a key exists for alias.
func (b *SoftwareBackend) KeyExists(alias string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, ErrClosed
	}
	return b.storage.Exists(keyPrefix + alias)
}

// DeleteKey removes the key immediately and irreversibly.
func (b *SoftwareBackend) DeleteKey(alias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.storage.Delete(keyPrefix + alias); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return err
	}
	b.recordEvent(audit.EventKeyDelete, alias, false, true)
	return nil
}

// Type returns the backend type identifier.
func (b *SoftwareBackend) Type() BackendType {
	return BackendTypeSoftware
}

// HardwareBacked reports false; key material lives in software storage.
func (b *SoftwareBackend) HardwareBacked() bool {
	return false
}

// Close closes the backing storage.
func (b *SoftwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.storage.Close()
}

func (b *SoftwareBackend) recordEvent(event, alias string, protected, success bool) {
	if b.audit == nil {
		return
	}
	b.audit.Record(event, map[string]any{
		"alias":     alias,
		"protected": protected,
		"backend":   string(BackendTypeSoftware),
	}, success, "")
}

// Verify interface compliance at compile time
var _ Backend = (*SoftwareBackend)(nil)
