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

package authenticator

import "errors"

var (
	// ErrRateLimited is returned when an identity has exhausted its
	// signing attempt budget for the current window.
	ErrRateLimited = errors.New("authenticator: too many attempts")

	// ErrSessionInvalid is returned when a session does not exist or
	// has expired.
	ErrSessionInvalid = errors.New("authenticator: session invalid or expired")

	// ErrKeyMismatch is returned when a session resumption is attempted
	// with an identity other than the one that created the session.
	ErrKeyMismatch = errors.New("authenticator: identity does not match session")
)
