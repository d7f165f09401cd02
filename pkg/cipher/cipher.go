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

// Package cipher provides the symmetric encryption service over keys held
// by the custodian. Output framing is nonce || ciphertext‖tag, raw
// concatenation — this is the exact at-rest format and round-trips
// byte-for-byte. Secrets that require biometric gating are encrypted under
// per-alias protected keys; everything else uses the master key.
package cipher

import (
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/custodian"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/metrics"
)

const (
	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size in bytes.
	TagSize = 16
)

var (
	// ErrEncryption is returned when encryption fails.
	ErrEncryption = errors.New("cipher: encryption failed")

	// ErrDecryption is returned on authentication-tag mismatch, truncated
	// input, or any other decryption failure. Partially-decrypted data is
	// never returned.
	ErrDecryption = errors.New("cipher: decryption failed")
)

// Config configures a cipher Service.
type Config struct {
	// Custodian provides the master and protected keys. Required.
	Custodian custodian.Backend

	// Gate supplies fresh biometric authorizations for protected aliases.
	// Required when any protected alias is used.
	Gate *biometric.Gate

	// Audit receives encrypt/decrypt outcomes. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// Service performs authenticated symmetric encryption with keys it never
// retains: key bytes are fetched per operation and zeroed before return.
type Service struct {
	custodian custodian.Backend
	gate      *biometric.Gate
	audit     *audit.Sink
	logger    *logging.Logger
}

// NewService creates a cipher service over the given custodian.
func NewService(config *Config) (*Service, error) {
	if config == nil || config.Custodian == nil {
		return nil, fmt.Errorf("%w: custodian is required", ErrEncryption)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Service{
		custodian: config.Custodian,
		gate:      config.Gate,
		audit:     config.Audit,
		logger:    logger,
	}, nil
}

// Encrypt encrypts plaintext under the key selected by alias and
// requireBiometric: a per-alias protected key (created on first use) when
// requireBiometric is true, the master key otherwise. Empty plaintext is
// valid and produces a well-formed nonce/tag framing.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, alias string, requireBiometric bool) ([]byte, error) {
	defer metrics.Timer(metrics.OpEncrypt)()

	key, err := s.encryptionKey(ctx, alias, requireBiometric)
	if err != nil {
		s.recordEvent(audit.EventEncrypt, alias, false, err)
		metrics.RecordError(metrics.OpEncrypt, "key_unavailable")
		return nil, err
	}

	keyBytes, err := key.Raw()
	if err != nil {
		s.recordEvent(audit.EventEncrypt, alias, false, err)
		metrics.RecordError(metrics.OpEncrypt, "key_material")
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	defer zeroize(keyBytes)

	aead, err := newGCM(keyBytes)
	if err != nil {
		s.recordEvent(audit.EventEncrypt, alias, false, err)
		metrics.RecordError(metrics.OpEncrypt, "cipher_init")
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		s.recordEvent(audit.EventEncrypt, alias, false, err)
		metrics.RecordError(metrics.OpEncrypt, "nonce")
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}

	// Framing: nonce || ciphertext‖tag. Seal appends ciphertext and tag
	// directly after the nonce.
	blob := aead.Seal(nonce, nonce, plaintext, nil)

	s.recordEvent(audit.EventEncrypt, alias, true, nil)
	metrics.RecordOperation(metrics.OpEncrypt, metrics.StatusSuccess)
	return blob, nil
}

// Decrypt splits the framing and decrypts blob with the key for alias.
// A protected alias requires a fresh biometric authorization, obtained
// here; it never falls back to the master key. The master key is created
// lazily only for aliases with no protected record. Truncated or tampered
// blobs fail closed with ErrDecryption.
func (s *Service) Decrypt(ctx context.Context, blob []byte, alias string) ([]byte, error) {
	defer metrics.Timer(metrics.OpDecrypt)()

	if len(blob) < NonceSize+TagSize {
		err := fmt.Errorf("%w: truncated input (%d bytes)", ErrDecryption, len(blob))
		s.recordEvent(audit.EventDecrypt, alias, false, err)
		metrics.RecordError(metrics.OpDecrypt, "truncated")
		return nil, err
	}

	key, err := s.decryptionKey(ctx, alias)
	if err != nil {
		s.recordEvent(audit.EventDecrypt, alias, false, err)
		metrics.RecordError(metrics.OpDecrypt, "key_unavailable")
		return nil, err
	}

	keyBytes, err := key.Raw()
	if err != nil {
		s.recordEvent(audit.EventDecrypt, alias, false, err)
		metrics.RecordError(metrics.OpDecrypt, "key_material")
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer zeroize(keyBytes)

	aead, err := newGCM(keyBytes)
	if err != nil {
		s.recordEvent(audit.EventDecrypt, alias, false, err)
		metrics.RecordError(metrics.OpDecrypt, "cipher_init")
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	nonce := blob[:NonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[NonceSize:], nil)
	if err != nil {
		s.recordEvent(audit.EventDecrypt, alias, false, err)
		metrics.RecordError(metrics.OpDecrypt, "auth_failed")
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}

	s.recordEvent(audit.EventDecrypt, alias, true, nil)
	metrics.RecordOperation(metrics.OpDecrypt, metrics.StatusSuccess)
	return plaintext, nil
}

// encryptionKey selects (creating if necessary) the key for an encrypt.
func (s *Service) encryptionKey(ctx context.Context, alias string, requireBiometric bool) (custodian.Key, error) {
	if !requireBiometric {
		return s.custodian.MasterKey()
	}

	exists, err := s.custodian.KeyExists(alias)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := s.custodian.CreateProtectedKey(alias); err != nil {
			return nil, err
		}
	}
	return s.protectedKey(ctx, alias)
}

// decryptionKey selects the key for a decrypt. A protected record wins
// unconditionally; only aliases with no record at all use the master key.
func (s *Service) decryptionKey(ctx context.Context, alias string) (custodian.Key, error) {
	exists, err := s.custodian.KeyExists(alias)
	if err != nil {
		return nil, err
	}
	if !exists {
		return s.custodian.MasterKey()
	}

	protected, err := s.custodian.IsProtected(alias)
	if err != nil {
		return nil, err
	}
	if !protected {
		return s.custodian.MasterKey()
	}
	return s.protectedKey(ctx, alias)
}

// protectedKey obtains a fresh authorization and releases the protected
// key. The authorization purpose is the alias itself, so a capability
// issued for one identity cannot unlock another.
func (s *Service) protectedKey(ctx context.Context, alias string) (custodian.Key, error) {
	if s.gate == nil {
		return nil, custodian.ErrAuthorizationRequired
	}
	authz, err := s.gate.RequestAuthorization(ctx, alias)
	if err != nil {
		return nil, err
	}
	return s.custodian.ProtectedKey(alias, authz)
}

func (s *Service) recordEvent(event, alias string, success bool, opErr error) {
	if s.audit == nil {
		return
	}
	details := map[string]any{"alias": alias}
	errorCode := ""
	if opErr != nil {
		errorCode = errorCodeFor(opErr)
	}
	s.audit.Record(event, details, success, errorCode)
}

// errorCodeFor maps internal errors to stable audit codes without leaking
// error detail to the log.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, ErrEncryption):
		return "encryption_failed"
	case errors.Is(err, biometric.ErrAuthorizationDenied),
		errors.Is(err, biometric.ErrAuthorizationCancelled),
		errors.Is(err, biometric.ErrAuthenticationFailed):
		return "authorization_failed"
	case errors.Is(err, custodian.ErrKeyNotFound):
		return "key_not_found"
	default:
		return "internal"
	}
}

// EncodeToString encodes a ciphertext blob as base64 for text-based
// persistence.
func EncodeToString(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeString decodes a base64 ciphertext blob.
func DecodeString(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	return blob, nil
}

func newGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCM(block)
}

// zeroize overwrites a byte slice with zeros to clear sensitive data from
// memory. Go's garbage collector does not guarantee immediate collection;
// explicit zeroization bounds how long key bytes stay resident.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
