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

package biometric

import "errors"

var (
	// ErrGateUnavailable is returned when no prompter is configured,
	// meaning the device has no biometric hardware (or no device
	// credential fallback) to present.
	ErrGateUnavailable = errors.New("biometric: gate unavailable")

	// ErrAuthorizationDenied is returned when the user failed or refused
	// the presence check.
	ErrAuthorizationDenied = errors.New("biometric: authorization denied")

	// ErrAuthorizationCancelled is returned when the prompt was cancelled,
	// by the user or by context cancellation. Treated as a denial: no key
	// material is released.
	ErrAuthorizationCancelled = errors.New("biometric: authorization cancelled")

	// ErrAuthenticationFailed is returned after the configured number of
	// consecutive denials. The gate never retries on its own; the caller
	// decides whether to present a new prompt.
	ErrAuthenticationFailed = errors.New("biometric: too many consecutive failures")

	// ErrAuthorizationConsumed is returned when an authorization capability
	// is presented a second time. Authorizations are strictly single-use.
	ErrAuthorizationConsumed = errors.New("biometric: authorization already consumed")

	// ErrAuthorizationExpired is returned when an authorization outlived
	// its TTL before being consumed.
	ErrAuthorizationExpired = errors.New("biometric: authorization expired")

	// ErrPurposeMismatch is returned when an authorization issued for one
	// purpose is presented for another.
	ErrPurposeMismatch = errors.New("biometric: authorization purpose mismatch")
)
