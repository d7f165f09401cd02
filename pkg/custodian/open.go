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

import (
	"fmt"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
)

// Config selects and configures the best available custodian backend.
type Config struct {
	// Service is the OS credential store service name.
	Service string

	// AllowSoftwareFallback permits falling back to software storage when
	// no OS secure store is usable. This is an explicit opt-in: the
	// custodian never downgrades silently.
	AllowSoftwareFallback bool

	// Storage backs the software custodian when the fallback is taken.
	// Defaults to in-memory storage.
	Storage storage.Backend

	// Gate is required for both backends.
	Gate *biometric.Gate

	// Audit receives key lifecycle events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// Open returns the best available custodian backend: the OS secure store
// when usable, otherwise — only with explicit opt-in — software storage.
// With no usable store and no opt-in it fails with ErrNoProvider.
func Open(config *Config) (Backend, error) {
	if config == nil || config.Gate == nil {
		return nil, fmt.Errorf("%w: biometric gate is required", ErrKeyGeneration)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	ringBackend, err := NewKeyringBackend(&KeyringConfig{
		Service: config.Service,
		Gate:    config.Gate,
		Audit:   config.Audit,
		Logger:  logger,
	})
	if err == nil {
		return ringBackend, nil
	}

	if !config.AllowSoftwareFallback {
		return nil, fmt.Errorf("%w: %v", ErrNoProvider, err)
	}
	logger.Warnf("custodian: OS secure store unavailable, using software fallback: %v", err)

	store := config.Storage
	if store == nil {
		store = storage.NewMemory()
	}
	return NewSoftwareBackend(&SoftwareConfig{
		Storage: store,
		Gate:    config.Gate,
		Audit:   config.Audit,
		Logger:  logger,
	})
}
