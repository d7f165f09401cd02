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

// Package types defines the records shared between the identity importer,
// the challenge authenticator, and their callers. Plaintext key material
// never appears in any of these types; identities carry only ciphertext
// and the public fingerprint.
package types

import (
	"time"
)

// ChallengeNonceSize is the raw size in bytes of an authentication
// challenge nonce before base64 encoding.
const ChallengeNonceSize = 32

// KeyAlgorithm identifies the asymmetric algorithm of an imported identity.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA     KeyAlgorithm = "rsa"
	KeyAlgorithmECDSA   KeyAlgorithm = "ecdsa"
	KeyAlgorithmEd25519 KeyAlgorithm = "ed25519"
)

// ImportedIdentity is the at-rest representation of an externally supplied
// private key. EncryptedPrivateKey is the base64-encoded AEAD ciphertext of
// the key's PKCS#8 encoding, produced by the cipher service under a
// biometric-protected key. The caller owns where this record is stored.
//
// PublicKeyFingerprint is a pure function of the plaintext key material:
// importing the same key twice yields the same fingerprint (and distinct
// ciphertexts, since the AEAD nonce is random).
type ImportedIdentity struct {
	Alias                string       `json:"alias"`
	EncryptedPrivateKey  string       `json:"encrypted_private_key"`
	PublicKeyFingerprint string       `json:"public_key_fingerprint"`
	KeyAlgorithm         KeyAlgorithm `json:"key_algorithm"`
	KeySize              int          `json:"key_size"`
}

// AuthChallenge is a single-use nonce plus issue timestamp. The verifier,
// not this library, enforces single use.
type AuthChallenge struct {
	// Nonce is the base64 encoding of ChallengeNonceSize random bytes.
	Nonce string `json:"nonce"`

	// IssuedAtMillis is the challenge issue time in epoch milliseconds.
	IssuedAtMillis int64 `json:"issued_at_millis"`
}

// AuthSession records a successfully established authentication session.
// A session may be resumed (re-signed) before ExpiresAtMillis, but only
// with the identity whose fingerprint created it.
type AuthSession struct {
	SessionID            string `json:"session_id"`
	PublicKeyFingerprint string `json:"public_key_fingerprint"`
	CreatedAtMillis      int64  `json:"created_at_millis"`
	ExpiresAtMillis      int64  `json:"expires_at_millis"`
	PeerEndpoint         string `json:"peer_endpoint"`
}

// Expired reports whether the session has expired as of now. The expiry
// instant itself is expired: a session created at t with duration d is
// live on [t, t+d).
func (s *AuthSession) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAtMillis
}
