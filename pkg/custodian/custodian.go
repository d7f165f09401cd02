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

// Package custodian owns the symmetric keys at the root of the trust chain:
// a single master key for secrets that do not require per-use biometric
// gating, and per-alias protected keys whose every use must be preceded by
// a fresh biometric authorization. Backends differ in where key material
// lives (OS secure store or software storage); callers depend only on the
// Backend interface.
package custodian

import (
	"crypto/rand"
	"fmt"

	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
)

// MasterKeyAlias is the fixed alias of the master key. The master key is
// created lazily on first use and lives for the install lifetime.
const MasterKeyAlias = "keyguard-master"

// KeySize is the symmetric key size in bytes (AES-256).
const KeySize = 32

// BackendType identifies a custodian implementation.
type BackendType string

const (
	// BackendTypeKeyring stores key material in the operating system's
	// secure credential store.
	BackendTypeKeyring BackendType = "keyring"

	// BackendTypeSoftware stores key material in a storage.Backend. Used
	// for tests and, with explicit opt-in, as a fallback on devices
	// without a usable OS store.
	BackendTypeSoftware BackendType = "software"
)

// Key is a handle to a symmetric key held by a custodian backend.
type Key interface {
	// Alias returns the key's alias.
	Alias() string

	// Raw returns a copy of the key bytes. Callers must zero the copy
	// when finished.
	Raw() ([]byte, error)

	// Protected reports whether every use of this key requires a fresh
	// biometric authorization.
	Protected() bool
}

// Backend is the key custodian contract. All key-store operations are
// local and atomic: they succeed or fail with no partial key state.
// Implementations must be thread-safe.
type Backend interface {
	// MasterKey returns the master key, creating it on first call.
	// Idempotent. Fails with ErrKeyGeneration if the backing store cannot
	// produce or hold a key.
	MasterKey() (Key, error)

	// CreateProtectedKey creates a key whose use requires a fresh
	// biometric authorization. Fails with ErrBiometricUnavailable when
	// the gate reports no biometric hardware, and with ErrKeyExists if
	// the alias is taken.
	CreateProtectedKey(alias string) (Key, error)

	// ProtectedKey releases the protected key for alias after consuming
	// the supplied authorization. The authorization must be fresh,
	// unconsumed, and issued for this alias.
	ProtectedKey(alias string, authz *biometric.Authorization) (Key, error)

	// IsProtected reports whether alias names a protected key.
	// Returns ErrKeyNotFound if the alias does not exist.
	IsProtected(alias string) (bool, error)

	// KeyExists checks whether a key exists for alias.
	KeyExists(alias string) (bool, error)

	// DeleteKey removes the key immediately and irreversibly. Ciphertext
	// protected by a deleted key becomes permanently unrecoverable; this
	// is the intended logout/wipe semantic, not an error condition.
	DeleteKey(alias string) error

	// Type returns the backend type identifier.
	Type() BackendType

	// HardwareBacked reports whether key material is held by an
	// OS/hardware secure store rather than software storage.
	HardwareBacked() bool

	// Close releases resources held by the backend.
	Close() error
}

// record flag bytes. Records are stored as flag byte followed by KeySize
// key bytes; the flag is what prevents a protected alias from ever being
// served without an authorization.
const (
	flagMaster    byte = 0x00
	flagProtected byte = 0x01
)

// symmetricKey is the Key implementation shared by all backends.
type symmetricKey struct {
	alias     string
	material  []byte
	protected bool
}

func (k *symmetricKey) Alias() string {
	return k.alias
}

func (k *symmetricKey) Raw() ([]byte, error) {
	if len(k.material) != KeySize {
		return nil, fmt.Errorf("%w: malformed key material", ErrKeyGeneration)
	}
	out := make([]byte, KeySize)
	copy(out, k.material)
	return out, nil
}

func (k *symmetricKey) Protected() bool {
	return k.protected
}

// newKeyMaterial draws KeySize random bytes.
func newKeyMaterial() ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return material, nil
}

// encodeRecord builds the stored record for key material.
func encodeRecord(material []byte, protected bool) []byte {
	record := make([]byte, 1+len(material))
	if protected {
		record[0] = flagProtected
	}
	copy(record[1:], material)
	return record
}

// decodeRecord splits a stored record into key material and protection flag.
func decodeRecord(record []byte) (material []byte, protected bool, err error) {
	if len(record) != 1+KeySize {
		return nil, false, fmt.Errorf("%w: malformed key record", ErrKeyGeneration)
	}
	material = make([]byte, KeySize)
	copy(material, record[1:])
	return material, record[0] == flagProtected, nil
}

// Verify interface compliance at compile time
var _ Key = (*symmetricKey)(nil)
