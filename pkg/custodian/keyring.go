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

	"github.com/99designs/keyring"
	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
)

// KeyringBackend stores key records in the operating system's secure
// credential store (Keychain, Secret Service, wincred, KWallet). This is
// the "OS-level hardware-backed store" tier: key material never touches
// application-owned files.
type KeyringBackend struct {
	ring   keyring.Keyring
	gate   *biometric.Gate
	audit  *audit.Sink
	logger *logging.Logger
	mu     sync.RWMutex
	closed bool
}

// KeyringConfig configures a KeyringBackend.
type KeyringConfig struct {
	// Service is the credential store service name.
	// Defaults to "keyguard".
	Service string

	// Gate is consulted for biometric availability and authorization
	// checks on protected keys. Required.
	Gate *biometric.Gate

	// Audit receives key lifecycle events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// NewKeyringBackend opens the OS secure store. Fails with ErrNoProvider
// when no usable credential store exists on this platform.
func NewKeyringBackend(config *KeyringConfig) (*KeyringBackend, error) {
	if config == nil || config.Gate == nil {
		return nil, fmt.Errorf("%w: biometric gate is required", ErrKeyGeneration)
	}

	service := config.Service
	if service == "" {
		service = "keyguard"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProvider, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &KeyringBackend{
		ring:   ring,
		gate:   config.Gate,
		audit:  config.Audit,
		logger: logger,
	}, nil
}

// MasterKey returns the master key, creating it on first call.
func (b *KeyringBackend) MasterKey() (Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	item, err := b.ring.Get(MasterKeyAlias)
	if err == nil {
		material, protected, err := decodeRecord(item.Data)
		if err != nil {
			return nil, err
		}
		if protected {
			return nil, fmt.Errorf("%w: master key record is flagged protected", ErrKeyGeneration)
		}
		return &symmetricKey{alias: MasterKeyAlias, material: material}, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	material, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}
	if err := b.ring.Set(keyring.Item{
		Key:   MasterKeyAlias,
		Data:  encodeRecord(material, false),
		Label: "keyguard master key",
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	b.recordEvent(audit.EventKeyGenerate, MasterKeyAlias, false)
	return &symmetricKey{alias: MasterKeyAlias, material: material}, nil
}

// CreateProtectedKey creates a biometric-gated key under alias.
func (b *KeyringBackend) CreateProtectedKey(alias string) (Key, error) {
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

	if _, err := b.ring.Get(alias); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, alias)
	} else if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	material, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}
	if err := b.ring.Set(keyring.Item{
		Key:   alias,
		Data:  encodeRecord(material, true),
		Label: "keyguard protected key " + alias,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	b.recordEvent(audit.EventKeyGenerate, alias, true)
	return &symmetricKey{alias: alias, material: material, protected: true}, nil
}

// ProtectedKey releases the protected key for alias after consuming authz.
func (b *KeyringBackend) ProtectedKey(alias string, authz *biometric.Authorization) (Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if authz == nil {
		return nil, ErrAuthorizationRequired
	}

	item, err := b.ring.Get(alias)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	material, protected, err := decodeRecord(item.Data)
	if err != nil {
		return nil, err
	}
	if !protected {
		return nil, fmt.Errorf("%w: %s", ErrNotProtected, alias)
	}

	if err := authz.Consume(alias); err != nil {
		return nil, err
	}

	return &symmetricKey{alias: alias, material: material, protected: true}, nil
}

// IsProtected reports whether alias names a protected key.
func (b *KeyringBackend) IsProtected(alias string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, ErrClosed
	}

	item, err := b.ring.Get(alias)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return false, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return false, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	_, protected, err := decodeRecord(item.Data)
	if err != nil {
		return false, err
	}
	return protected, nil
}

// KeyExists checks whether a key exists for alias.
func (b *KeyringBackend) KeyExists(alias string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, ErrClosed
	}

	if _, err := b.ring.Get(alias); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return true, nil
}

// DeleteKey removes the key immediately and irreversibly.
func (b *KeyringBackend) DeleteKey(alias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.ring.Remove(alias); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return err
	}
	b.recordEvent(audit.EventKeyDelete, alias, false)
	return nil
}

// Type returns the backend type identifier.
func (b *KeyringBackend) Type() BackendType {
	return BackendTypeKeyring
}

// HardwareBacked reports true; the OS secure store holds the material.
func (b *KeyringBackend) HardwareBacked() bool {
	return true
}

// Close marks the backend closed. The OS store needs no teardown.
func (b *KeyringBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *KeyringBackend) recordEvent(event, alias string, protected bool) {
	if b.audit == nil {
		return
	}
	b.audit.Record(event, map[string]any{
		"alias":     alias,
		"protected": protected,
		"backend":   string(BackendTypeKeyring),
	}, true, "")
}

// Verify interface compliance at compile time
var _ Backend = (*KeyringBackend)(nil)
