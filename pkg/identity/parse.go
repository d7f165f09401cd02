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

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyguard/pkg/types"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

// minRSABits is the smallest RSA modulus accepted at import.
const minRSABits = 2048

// parsePrivateKey parses an externally supplied private key in any of the
// standard encodings: OpenSSH (encrypted or not), PEM PKCS#1/SEC1/PKCS#8,
// and encrypted PKCS#8. Passphrase handling maps onto the importer's error
// taxonomy: a protected key without a passphrase is ErrPassphraseRequired,
// a wrong passphrase is ErrInvalidPassphrase.
func parsePrivateKey(raw, passphrase []byte) (crypto.Signer, types.KeyAlgorithm, int, error) {
	if len(raw) == 0 {
		return nil, "", 0, fmt.Errorf("%w: empty key", ErrUnsupportedKeyType)
	}

	// Encrypted PKCS#8 carries its own PBES2 envelope, which the ssh
	// parser does not understand.
	if block, _ := pem.Decode(raw); block != nil && block.Type == "ENCRYPTED PRIVATE KEY" {
		if len(passphrase) == 0 {
			return nil, "", 0, ErrPassphraseRequired
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		if err != nil {
			return nil, "", 0, fmt.Errorf("%w: %v", ErrInvalidPassphrase, err)
		}
		return classifyKey(key)
	}

	key, err := ssh.ParseRawPrivateKey(raw)
	if err == nil {
		return classifyKey(key)
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, "", 0, fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	if len(passphrase) == 0 {
		return nil, "", 0, ErrPassphraseRequired
	}

	key, err = ssh.ParseRawPrivateKeyWithPassphrase(raw, passphrase)
	if err != nil {
		if errors.Is(err, x509.IncorrectPasswordError) {
			return nil, "", 0, ErrInvalidPassphrase
		}
		// The OpenSSH format authenticates its payload; any decrypt
		// failure here means the passphrase was wrong.
		return nil, "", 0, fmt.Errorf("%w: %v", ErrInvalidPassphrase, err)
	}
	return classifyKey(key)
}

// classifyKey validates the parsed key against the supported algorithm
// set and normalizes it to a crypto.Signer.
func classifyKey(key any) (crypto.Signer, types.KeyAlgorithm, int, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		bits := k.N.BitLen()
		if bits < minRSABits {
			return nil, "", 0, fmt.Errorf("%w: RSA modulus %d bits (minimum %d)",
				ErrUnsupportedKeyType, bits, minRSABits)
		}
		return k, types.KeyAlgorithmRSA, bits, nil

	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256(), elliptic.P384(), elliptic.P521():
			return k, types.KeyAlgorithmECDSA, k.Curve.Params().BitSize, nil
		default:
			return nil, "", 0, fmt.Errorf("%w: ECDSA curve %s",
				ErrUnsupportedKeyType, k.Curve.Params().Name)
		}

	case ed25519.PrivateKey:
		return k, types.KeyAlgorithmEd25519, 256, nil

	case *ed25519.PrivateKey:
		return *k, types.KeyAlgorithmEd25519, 256, nil

	default:
		return nil, "", 0, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// marshalKey produces the passphrase-free PKCS#8 encoding stored (only
// ever encrypted) at rest. Signing re-parses this exact buffer.
func marshalKey(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	return der, nil
}

// parseStoredKey parses the PKCS#8 buffer produced by marshalKey.
func parseStoredKey(der []byte) (crypto.Signer, types.KeyAlgorithm, int, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: stored key corrupt: %v", ErrUnsupportedKeyType, err)
	}
	return classifyKey(key)
}

// fingerprint computes the SHA256 fingerprint of the key's public half in
// OpenSSH display form ("SHA256:..."). It is a pure function of the key
// material: the same key always yields the same fingerprint.
func fingerprint(signer crypto.Signer) (string, error) {
	sshPub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}
