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

package certguard

import "errors"

var (
	// ErrEmptyChain is returned when validation is attempted against an
	// empty certificate chain.
	ErrEmptyChain = errors.New("certguard: empty certificate chain")

	// ErrPinMismatch is returned when a hostname has pins configured and
	// no certificate in the chain matches any of them.
	ErrPinMismatch = errors.New("certguard: certificate does not match any pinned hash")

	// ErrCertificateInvalid is returned when a chain fails baseline
	// validation (validity period or hostname).
	ErrCertificateInvalid = errors.New("certguard: certificate validation failed")
)
