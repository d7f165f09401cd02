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

// Package identity imports externally generated asymmetric private keys
// and signs authentication challenges with them. Import is the only path
// by which a private key enters the system: the key is parsed, validated,
// fingerprinted, re-encrypted under a biometric-protected cipher alias,
// and the plaintext is zeroed before return. At signing time the key is
// decrypted into a buffer owned by exactly one call stack and zeroed on
// every exit path, success or failure.
package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/cipher"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/metrics"
	"github.com/jeremyhahn/go-keyguard/pkg/types"
	"golang.org/x/crypto/ssh"
)

// Cipher is the encryption surface the importer needs, satisfied by
// *cipher.Service. Decrypt's returned plaintext is owned by the caller,
// which zeroes it before returning.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, alias string, requireBiometric bool) ([]byte, error)
	Decrypt(ctx context.Context, blob []byte, alias string) ([]byte, error)
}

var _ Cipher = (*cipher.Service)(nil)

// Config configures an Importer.
type Config struct {
	// Cipher re-encrypts imported keys and decrypts them for signing.
	// Required.
	Cipher Cipher

	// Audit receives import and signing events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// Importer parses, validates, and re-encrypts externally supplied private
// keys, and signs challenges with them. Sign operations for the same alias
// are serialized so concurrent requests cannot interleave their
// decrypt-use-zero cycles; different aliases proceed concurrently.
type Importer struct {
	cipher Cipher
	audit  *audit.Sink
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewImporter creates an identity importer over the given cipher service.
func NewImporter(config *Config) (*Importer, error) {
	if config == nil || config.Cipher == nil {
		return nil, fmt.Errorf("identity: cipher service is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Importer{
		cipher: config.Cipher,
		audit:  config.Audit,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// ImportPrivateKey parses rawKeyText (OpenSSH, PEM, or PKCS#8; optionally
// passphrase-protected), validates the algorithm, computes the public
// fingerprint, and re-encrypts the key under a biometric-protected alias.
// The caller's key and passphrase buffers and the intermediate PKCS#8
// encoding are zeroed before return; no plaintext is ever written to
// durable storage.
func (i *Importer) ImportPrivateKey(ctx context.Context, rawKeyText, passphrase []byte, alias string) (*types.ImportedIdentity, error) {
	defer metrics.Timer(metrics.OpImport)()
	defer zeroize(rawKeyText)
	defer zeroize(passphrase)

	if alias == "" {
		return nil, fmt.Errorf("%w: empty alias", ErrUnsupportedKeyType)
	}

	signer, algorithm, keySize, err := parsePrivateKey(rawKeyText, passphrase)
	if err != nil {
		i.recordImport(alias, "", false, err)
		metrics.RecordError(metrics.OpImport, "parse_failed")
		return nil, err
	}

	fp, err := fingerprint(signer)
	if err != nil {
		i.recordImport(alias, "", false, err)
		metrics.RecordError(metrics.OpImport, "fingerprint_failed")
		return nil, err
	}

	der, err := marshalKey(signer)
	if err != nil {
		i.recordImport(alias, fp, false, err)
		metrics.RecordError(metrics.OpImport, "encode_failed")
		return nil, err
	}
	defer zeroize(der)

	blob, err := i.cipher.Encrypt(ctx, der, alias, true)
	if err != nil {
		i.recordImport(alias, fp, false, err)
		metrics.RecordError(metrics.OpImport, "encrypt_failed")
		return nil, err
	}

	i.recordImport(alias, fp, true, nil)
	metrics.RecordOperation(metrics.OpImport, metrics.StatusSuccess)
	return &types.ImportedIdentity{
		Alias:                alias,
		EncryptedPrivateKey:  cipher.EncodeToString(blob),
		PublicKeyFingerprint: fp,
		KeyAlgorithm:         algorithm,
		KeySize:              keySize,
	}, nil
}

// SignChallenge decrypts the identity's private key, signs dataToSign with
// the key's native algorithm, and returns the raw signature bytes. The
// decrypt triggers a fresh biometric authorization inside the cipher
// service. The decrypted key buffer is zeroed on every exit path.
//
// Signature forms: RSA is PKCS#1 v1.5 over SHA-256 (deterministic),
// ECDSA is ASN.1 over SHA-256, Ed25519 signs the message directly.
func (i *Importer) SignChallenge(ctx context.Context, dataToSign []byte, encryptedBlob, alias string) ([]byte, error) {
	defer metrics.Timer(metrics.OpSignChallenge)()

	lock := i.aliasLock(alias)
	lock.Lock()
	defer lock.Unlock()

	blob, err := cipher.DecodeString(encryptedBlob)
	if err != nil {
		i.recordSign(alias, false, err)
		metrics.RecordError(metrics.OpSignChallenge, "invalid_blob")
		return nil, err
	}

	der, err := i.cipher.Decrypt(ctx, blob, alias)
	if err != nil {
		i.recordSign(alias, false, err)
		metrics.RecordError(metrics.OpSignChallenge, "decrypt_failed")
		return nil, err
	}
	// The zeroing of the decrypted key is unconditional: it runs whether
	// parsing or signing below succeeds or fails.
	defer zeroize(der)

	signer, _, _, err := parseStoredKey(der)
	if err != nil {
		i.recordSign(alias, false, err)
		metrics.RecordError(metrics.OpSignChallenge, "parse_failed")
		return nil, err
	}

	signature, err := sign(signer, dataToSign)
	if err != nil {
		i.recordSign(alias, false, err)
		metrics.RecordError(metrics.OpSignChallenge, "sign_failed")
		return nil, err
	}

	i.recordSign(alias, true, nil)
	metrics.RecordOperation(metrics.OpSignChallenge, metrics.StatusSuccess)
	return signature, nil
}

// PublicKey parses rawKeyText and returns the public half as an OpenSSH
// authorized_keys line. Read-only: nothing touches the key store. Used at
// import time for display and confirmation.
func (i *Importer) PublicKey(rawKeyText, passphrase []byte) (string, error) {
	signer, _, _, err := parsePrivateKey(rawKeyText, passphrase)
	if err != nil {
		return "", err
	}
	sshPub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), nil
}

// sign produces a signature over data with the key's native algorithm.
func sign(signer crypto.Signer, data []byte) ([]byte, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		digest := sha256.Sum256(data)
		signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigning, err)
		}
		return signature, nil

	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(data)
		signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigning, err)
		}
		return signature, nil

	case ed25519.PrivateKey:
		return ed25519.Sign(key, data), nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, signer)
	}
}

// Verify checks a signature produced by SignChallenge against a public key
// in authorized_keys form. Verifier-side counterpart used by tests and by
// callers that validate peer signatures.
func Verify(publicKeyLine string, data, signature []byte) error {
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKeyLine))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKeyType, sshPub.Type())
	}

	switch pub := cryptoPub.CryptoPublicKey().(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return ErrVerification
		}
		return nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return ErrVerification
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, data, signature) {
			return ErrVerification
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}

// aliasLock returns the mutex serializing sign operations for alias.
func (i *Importer) aliasLock(alias string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()

	lock, exists := i.locks[alias]
	if !exists {
		lock = &sync.Mutex{}
		i.locks[alias] = lock
	}
	return lock
}

func (i *Importer) recordImport(alias, fp string, success bool, opErr error) {
	if i.audit == nil {
		return
	}
	details := map[string]any{"alias": alias}
	if fp != "" {
		details["fingerprint"] = fp
	}
	errorCode := ""
	if opErr != nil {
		errorCode = "import_failed"
	}
	i.audit.Record(audit.EventIdentityImport, details, success, errorCode)
}

func (i *Importer) recordSign(alias string, success bool, opErr error) {
	if i.audit == nil {
		return
	}
	errorCode := ""
	if opErr != nil {
		errorCode = "sign_failed"
	}
	i.audit.Record(audit.EventChallengeSign, map[string]any{"alias": alias}, success, errorCode)
}

// zeroize overwrites a byte slice with zeros to clear sensitive data from
// memory. runtime.KeepAlive prevents dead store elimination.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
