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

import "errors"

var (
	// ErrKeyGeneration is returned when no suitable provider exists or the
	// backing store cannot produce or hold a key. Hardware errors are
	// reported, never silently downgraded to a weaker key without the
	// explicit software-fallback opt-in.
	ErrKeyGeneration = errors.New("custodian: key generation failed")

	// ErrKeyNotFound is returned when no key exists for the alias.
	ErrKeyNotFound = errors.New("custodian: key not found")

	// ErrKeyExists is returned when creating a key under a taken alias.
	ErrKeyExists = errors.New("custodian: key already exists")

	// ErrBiometricUnavailable is returned by CreateProtectedKey when the
	// device has no biometric hardware to gate the key with.
	ErrBiometricUnavailable = errors.New("custodian: biometric hardware unavailable")

	// ErrAuthorizationRequired is returned when a protected key is
	// requested without a biometric authorization.
	ErrAuthorizationRequired = errors.New("custodian: biometric authorization required")

	// ErrNotProtected is returned when ProtectedKey is called for an alias
	// that is not flagged as biometric-protected.
	ErrNotProtected = errors.New("custodian: key is not biometric-protected")

	// ErrClosed is returned when using a closed backend.
	ErrClosed = errors.New("custodian: backend closed")

	// ErrNoProvider is returned by Open when no OS secure store is usable
	// and software fallback was not explicitly allowed.
	ErrNoProvider = errors.New("custodian: no suitable key store provider")
)
