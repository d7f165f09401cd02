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

// Package certguard validates peer certificate chains against a pin table
// and user-approved self-signed exceptions. Validation order: an approved
// exception for the hostname wins, then pinned hashes for the hostname,
// then baseline X.509 checks for hosts with no pins. Every rejection is
// audited before it is returned.
package certguard

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/metrics"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
)

// approvedPrefix namespaces approved-exception records in storage.
const approvedPrefix = "certguard/approved/"

// Config configures a Guard.
type Config struct {
	// Pins maps hostname patterns to base64 SHA-256 certificate hashes.
	// A pattern is either an exact hostname or a "*." wildcard prefix
	// matching any single-level subdomain.
	Pins map[string][]string

	// Storage persists user-approved self-signed exceptions across
	// restarts. Optional; nil keeps approvals in memory only.
	Storage storage.Backend

	// Audit receives validation events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time
}

// Guard validates peer certificates for outbound connections. Safe for
// concurrent use.
type Guard struct {
	pins    map[string][]string
	storage storage.Backend
	audit   *audit.Sink
	logger  *logging.Logger
	clock   func() time.Time

	mu       sync.RWMutex
	approved map[string]struct{}
}

// New creates a certificate guard, loading previously approved exceptions
// from storage when a backend is configured.
func New(config *Config) (*Guard, error) {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	pins := make(map[string][]string, len(config.Pins))
	for pattern, hashes := range config.Pins {
		pins[strings.ToLower(pattern)] = append([]string(nil), hashes...)
	}

	g := &Guard{
		pins:     pins,
		storage:  config.Storage,
		audit:    config.Audit,
		logger:   logger,
		clock:    clock,
		approved: make(map[string]struct{}),
	}

	if g.storage != nil {
		keys, err := g.storage.List(approvedPrefix)
		if err != nil {
			return nil, fmt.Errorf("certguard: load approved exceptions: %w", err)
		}
		for _, key := range keys {
			g.approved[key[len(approvedPrefix):]] = struct{}{}
		}
	}
	return g, nil
}

// Validate checks a peer certificate chain for hostname. chain[0] is the
// leaf. An approved self-signed exception for the hostname accepts the
// chain outright, surviving certificate rotation until the exception is
// revoked; otherwise a hostname with configured pins requires at least
// one chain certificate to match a pin, and a hostname without pins gets
// baseline validity and hostname checks on the leaf.
func (g *Guard) Validate(hostname string, chain []*x509.Certificate) error {
	defer metrics.Timer(metrics.OpCertValidate)()

	if len(chain) == 0 {
		g.recordFailure(hostname, "", "empty_chain")
		metrics.RecordError(metrics.OpCertValidate, "empty_chain")
		return ErrEmptyChain
	}

	if g.isApproved(hostname) {
		metrics.RecordOperation(metrics.OpCertValidate, metrics.StatusSuccess)
		return nil
	}

	leaf := chain[0]
	leafPin := PinSHA256FromCert(leaf)

	if pins, pinned := g.pinsFor(hostname); pinned {
		for _, cert := range chain {
			certPin := PinSHA256FromCert(cert)
			for _, pin := range pins {
				if certPin == pin {
					metrics.RecordOperation(metrics.OpCertValidate, metrics.StatusSuccess)
					return nil
				}
			}
		}
		g.recordFailure(hostname, leafPin, "pin_mismatch")
		metrics.RecordError(metrics.OpCertValidate, "pin_mismatch")
		return fmt.Errorf("%w: %s", ErrPinMismatch, hostname)
	}

	now := g.clock()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		g.recordFailure(hostname, leafPin, "expired")
		metrics.RecordError(metrics.OpCertValidate, "expired")
		return fmt.Errorf("%w: certificate not valid at %s", ErrCertificateInvalid, now.UTC().Format(time.RFC3339))
	}
	if err := leaf.VerifyHostname(hostname); err != nil {
		g.recordFailure(hostname, leafPin, "hostname_mismatch")
		metrics.RecordError(metrics.OpCertValidate, "hostname_mismatch")
		return fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	metrics.RecordOperation(metrics.OpCertValidate, metrics.StatusSuccess)
	return nil
}

// AllowSelfSigned records a user-approved exception for the hostname.
// The exception covers whatever certificate the host presents, so it
// survives rotation; it stands until RevokeSelfSigned removes it.
func (g *Guard) AllowSelfSigned(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("certguard: hostname is required")
	}

	key := approvalKey(hostname)

	g.mu.Lock()
	g.approved[key] = struct{}{}
	g.mu.Unlock()

	if g.storage != nil {
		if err := g.storage.Put(approvedPrefix+key, []byte(hostname), storage.DefaultOptions()); err != nil {
			return fmt.Errorf("certguard: persist exception: %w", err)
		}
	}

	g.record(audit.EventCertApprove, map[string]any{"hostname": hostname}, true, "")
	return nil
}

// RevokeSelfSigned removes a previously approved exception. Revoking an
// exception that does not exist is not an error.
func (g *Guard) RevokeSelfSigned(hostname string) error {
	key := approvalKey(hostname)

	g.mu.Lock()
	delete(g.approved, key)
	g.mu.Unlock()

	if g.storage != nil {
		if err := g.storage.Delete(approvedPrefix + key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("certguard: remove exception: %w", err)
		}
	}

	g.record(audit.EventCertRevoke, map[string]any{"hostname": hostname}, true, "")
	return nil
}

// PinSHA256FromCert returns the base64 SHA-256 hash of the certificate's
// DER encoding, the form used in the pin table.
func PinSHA256FromCert(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// pinsFor returns the pins configured for hostname, checking the exact
// name first and then a "*." wildcard covering one subdomain level.
func (g *Guard) pinsFor(hostname string) ([]string, bool) {
	hostname = strings.ToLower(hostname)
	if pins, exists := g.pins[hostname]; exists {
		return pins, true
	}
	if dot := strings.Index(hostname, "."); dot > 0 {
		if pins, exists := g.pins["*"+hostname[dot:]]; exists {
			return pins, true
		}
	}
	return nil, false
}

func (g *Guard) isApproved(hostname string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, approved := g.approved[approvalKey(hostname)]
	return approved
}

// approvalKey derives the storage key for an approved exception.
func approvalKey(hostname string) string {
	return strings.ToLower(hostname)
}

func (g *Guard) recordFailure(hostname, pin, errorCode string) {
	details := map[string]any{"hostname": hostname}
	if pin != "" {
		details["fingerprint"] = pin
	}
	g.record(audit.EventCertValidate, details, false, errorCode)
}

func (g *Guard) record(eventType string, details map[string]any, success bool, errorCode string) {
	if g.audit == nil {
		return
	}
	g.audit.Record(eventType, details, success, errorCode)
}
