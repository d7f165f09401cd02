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

package identity

import "errors"

var (
	// ErrInvalidPassphrase is returned when the supplied passphrase does
	// not decrypt the private key. Recoverable: the user retries.
	ErrInvalidPassphrase = errors.New("identity: invalid passphrase")

	// ErrPassphraseRequired is returned when the key is passphrase
	// protected and no passphrase was supplied.
	ErrPassphraseRequired = errors.New("identity: passphrase required")

	// ErrUnsupportedKeyType is returned for key encodings or algorithms
	// this importer does not accept.
	ErrUnsupportedKeyType = errors.New("identity: unsupported key type")

	// ErrSigning is returned when signature generation fails.
	ErrSigning = errors.New("identity: signing failed")

	// ErrVerification is returned when a signature does not verify
	// against the given public key.
	ErrVerification = errors.New("identity: signature verification failed")
)
