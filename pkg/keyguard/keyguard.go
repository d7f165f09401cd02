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

// Package keyguard wires the security core together: biometric gate,
// key custodian, cipher service, identity importer, challenge
// authenticator, certificate guard, and audit sink, all configured from
// a single yaml document. Embedding applications construct a Keyguard
// once and use the component accessors; no component is usable before
// New returns.
package keyguard

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/authenticator"
	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/certguard"
	"github.com/jeremyhahn/go-keyguard/pkg/cipher"
	"github.com/jeremyhahn/go-keyguard/pkg/custodian"
	"github.com/jeremyhahn/go-keyguard/pkg/identity"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
	"github.com/jeremyhahn/go-keyguard/pkg/storage/file"
)

// Keyguard is the composed security core.
type Keyguard struct {
	config        *Config
	logger        *logging.Logger
	gate          *biometric.Gate
	custodian     custodian.Backend
	cipher        *cipher.Service
	importer      *identity.Importer
	authenticator *authenticator.Authenticator
	certs         *certguard.Guard
	auditSink     *audit.Sink
	auditStore    audit.Store
	store         storage.Backend
}

// New constructs the security core from configuration. The prompter is
// the platform biometric integration; passing nil means no biometric
// hardware is available, which disables protected-key operations but
// leaves master-key encryption working.
func New(config *Config, prompter biometric.Prompter) (*Keyguard, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("keyguard: %w", err)
	}

	logger := logging.NewLogger(config.Logging.Debug)

	store, err := openStorage(config.KeyStore.Path)
	if err != nil {
		return nil, fmt.Errorf("keyguard: open storage: %w", err)
	}

	auditStore, err := openAuditStore(config.Audit.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("keyguard: open audit store: %w", err)
	}
	auditSink := audit.NewSink(&audit.Config{
		Store:        auditStore,
		RetentionAge: time.Duration(config.Audit.RetentionDays) * 24 * time.Hour,
		MaxEntries:   config.Audit.MaxEntries,
		Logger:       logger,
	})

	gate := biometric.NewGate(&biometric.Config{
		Prompter:               prompter,
		MaxConsecutiveFailures: config.Biometric.MaxConsecutiveFailures,
		AuthorizationTTL:       time.Duration(config.Biometric.AuthorizationTTLSeconds) * time.Second,
		Audit:                  auditSink,
		Logger:                 logger,
	})

	keys, err := custodian.Open(&custodian.Config{
		Service:               config.KeyStore.Service,
		AllowSoftwareFallback: config.KeyStore.AllowSoftwareFallback,
		Storage:               store,
		Gate:                  gate,
		Audit:                 auditSink,
		Logger:                logger,
	})
	if err != nil {
		return nil, fmt.Errorf("keyguard: open custodian: %w", err)
	}

	cipherService, err := cipher.NewService(&cipher.Config{
		Custodian: keys,
		Gate:      gate,
		Audit:     auditSink,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("keyguard: %w", err)
	}

	importer, err := identity.NewImporter(&identity.Config{
		Cipher: cipherService,
		Audit:  auditSink,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("keyguard: %w", err)
	}

	auth, err := authenticator.New(&authenticator.Config{
		Importer:        importer,
		Sessions:        store,
		Audit:           auditSink,
		Logger:          logger,
		MaxAttempts:     config.RateLimit.MaxAttempts,
		AttemptWindow:   time.Duration(config.RateLimit.WindowSeconds) * time.Second,
		SessionDuration: time.Duration(config.Session.DurationSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("keyguard: %w", err)
	}

	certs, err := certguard.New(&certguard.Config{
		Pins:    config.Certificates.Pins,
		Storage: store,
		Audit:   auditSink,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("keyguard: %w", err)
	}

	return &Keyguard{
		config:        config,
		logger:        logger,
		gate:          gate,
		custodian:     keys,
		cipher:        cipherService,
		importer:      importer,
		authenticator: auth,
		certs:         certs,
		auditSink:     auditSink,
		auditStore:    auditStore,
		store:         store,
	}, nil
}

// Gate returns the biometric gate.
func (k *Keyguard) Gate() *biometric.Gate { return k.gate }

// Custodian returns the key custodian backend.
func (k *Keyguard) Custodian() custodian.Backend { return k.custodian }

// Cipher returns the symmetric cipher service.
func (k *Keyguard) Cipher() *cipher.Service { return k.cipher }

// Importer returns the identity importer.
func (k *Keyguard) Importer() *identity.Importer { return k.importer }

// Authenticator returns the challenge authenticator.
func (k *Keyguard) Authenticator() *authenticator.Authenticator { return k.authenticator }

// Certificates returns the certificate guard.
func (k *Keyguard) Certificates() *certguard.Guard { return k.certs }

// Audit returns the audit sink.
func (k *Keyguard) Audit() *audit.Sink { return k.auditSink }

// Lock implements the device-lock wipe: every authentication session is
// deleted and the biometric failure counter is reset. Key material is
// unaffected; the custodian holds no plaintext between operations.
func (k *Keyguard) Lock() error {
	err := k.authenticator.ClearSessions()
	k.gate.ResetFailures()
	k.auditSink.Record(audit.EventLock, nil, err == nil, "")
	if err != nil {
		return fmt.Errorf("keyguard: lock: %w", err)
	}
	return nil
}

// Close releases all resources. The Keyguard is unusable afterwards.
func (k *Keyguard) Close() error {
	var firstErr error
	if err := k.authenticator.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.custodian.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.auditSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func openStorage(path string) (storage.Backend, error) {
	if path == "" {
		return storage.NewMemory(), nil
	}
	return file.New(filepath.Clean(path))
}

func openAuditStore(sqlitePath string) (audit.Store, error) {
	if sqlitePath == "" {
		return audit.NewMemoryStore(0), nil
	}
	return audit.NewSQLiteStore(sqlitePath)
}
