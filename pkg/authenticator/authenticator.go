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

// Package authenticator implements challenge-response authentication with
// imported identities: nonce challenges, rate-limited challenge signing,
// and a persisted session store supporting signed resumption.
package authenticator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/identity"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
	"github.com/jeremyhahn/go-keyguard/pkg/metrics"
	"github.com/jeremyhahn/go-keyguard/pkg/ratelimit"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
	"github.com/jeremyhahn/go-keyguard/pkg/types"
)

const (
	// DefaultSessionDuration is how long a session is valid after creation.
	DefaultSessionDuration = 24 * time.Hour

	// sessionPrefix namespaces session records in the storage backend.
	sessionPrefix = "sessions/"
)

// Config configures an Authenticator.
type Config struct {
	// Importer signs challenges with imported identities. Required.
	Importer *identity.Importer

	// Sessions persists session records. Required.
	Sessions storage.Backend

	// Audit receives authentication events. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger

	// MaxAttempts is the signing attempt budget per identity per window.
	// Defaults to ratelimit.DefaultMaxAttempts.
	MaxAttempts int

	// AttemptWindow is the sliding rate-limit window. Defaults to
	// ratelimit.DefaultWindow.
	AttemptWindow time.Duration

	// SessionDuration is the session lifetime. Defaults to
	// DefaultSessionDuration.
	SessionDuration time.Duration

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time
}

// Authenticator performs challenge-response authentication. Signing
// attempts are rate limited per identity fingerprint with a sliding
// window; both successful and failed attempts consume budget. Sessions
// are opaque JSON records in the storage backend, expired lazily on read.
type Authenticator struct {
	importer        *identity.Importer
	sessions        storage.Backend
	audit           *audit.Sink
	logger          *logging.Logger
	limiter         *ratelimit.Window
	sessionDuration time.Duration
	clock           func() time.Time
}

// New creates a challenge authenticator.
func New(config *Config) (*Authenticator, error) {
	if config == nil || config.Importer == nil {
		return nil, fmt.Errorf("authenticator: identity importer is required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("authenticator: session storage is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	sessionDuration := config.SessionDuration
	if sessionDuration <= 0 {
		sessionDuration = DefaultSessionDuration
	}

	return &Authenticator{
		importer: config.Importer,
		sessions: config.Sessions,
		audit:    config.Audit,
		logger:   logger,
		limiter: ratelimit.New(&ratelimit.Config{
			MaxAttempts:     config.MaxAttempts,
			Window:          config.AttemptWindow,
			CleanupInterval: ratelimit.DefaultCleanupInterval,
			Clock:           clock,
		}),
		sessionDuration: sessionDuration,
		clock:           clock,
	}, nil
}

// GenerateChallenge produces a fresh challenge: a base64-encoded random
// nonce of types.ChallengeNonceSize bytes plus the current epoch millis.
// Single-use enforcement is the verifier's responsibility.
func (a *Authenticator) GenerateChallenge() (*types.AuthChallenge, error) {
	nonce := make([]byte, types.ChallengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("authenticator: nonce generation: %w", err)
	}
	return &types.AuthChallenge{
		Nonce:          base64.StdEncoding.EncodeToString(nonce),
		IssuedAtMillis: a.clock().UnixMilli(),
	}, nil
}

// SignAuthChallenge signs a challenge with the identity's private key and
// returns the signature. The canonical bytes signed are the base64 nonce
// string followed by the decimal issue timestamp, with no separator.
//
// The rate limit is checked before the importer is touched: a limited
// identity gets ErrRateLimited without a biometric prompt or a key
// decrypt. Every attempt that reaches the importer consumes budget,
// whether it succeeds or not.
func (a *Authenticator) SignAuthChallenge(ctx context.Context, challenge *types.AuthChallenge, id *types.ImportedIdentity) ([]byte, error) {
	defer metrics.Timer(metrics.OpSignChallenge)()

	if challenge == nil || id == nil {
		return nil, fmt.Errorf("authenticator: challenge and identity are required")
	}

	if !a.limiter.Allow(id.PublicKeyFingerprint) {
		a.record(audit.EventChallengeSign, map[string]any{
			"fingerprint": id.PublicKeyFingerprint,
		}, false, "rate_limited")
		metrics.RecordError(metrics.OpSignChallenge, "rate_limited")
		metrics.RateLimitedTotal.Inc()
		return nil, ErrRateLimited
	}

	dataToSign := challengeBytes(challenge)
	signature, err := a.importer.SignChallenge(ctx, dataToSign, id.EncryptedPrivateKey, id.Alias)
	a.limiter.Record(id.PublicKeyFingerprint)
	if err != nil {
		a.record(audit.EventChallengeSign, map[string]any{
			"fingerprint": id.PublicKeyFingerprint,
		}, false, "sign_failed")
		return nil, err
	}

	a.record(audit.EventChallengeSign, map[string]any{
		"fingerprint": id.PublicKeyFingerprint,
	}, true, "")
	return signature, nil
}

// CreateSession persists a new session bound to the given identity
// fingerprint. A sessionID is generated when empty; passing an existing
// sessionID overwrites that session.
func (a *Authenticator) CreateSession(sessionID, fingerprint, peerEndpoint string) (*types.AuthSession, error) {
	defer metrics.Timer(metrics.OpSessionCreate)()

	if fingerprint == "" {
		return nil, fmt.Errorf("authenticator: fingerprint is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := a.clock()
	session := &types.AuthSession{
		SessionID:            sessionID,
		PublicKeyFingerprint: fingerprint,
		CreatedAtMillis:      now.UnixMilli(),
		ExpiresAtMillis:      now.Add(a.sessionDuration).UnixMilli(),
		PeerEndpoint:         peerEndpoint,
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("authenticator: encode session: %w", err)
	}
	if err := a.sessions.Put(sessionPrefix+sessionID, encoded, storage.DefaultOptions()); err != nil {
		metrics.RecordError(metrics.OpSessionCreate, "storage_failed")
		return nil, fmt.Errorf("authenticator: store session: %w", err)
	}

	a.record(audit.EventSessionCreate, map[string]any{
		"session_id":  sessionID,
		"fingerprint": fingerprint,
		"peer":        peerEndpoint,
	}, true, "")
	metrics.RecordOperation(metrics.OpSessionCreate, metrics.StatusSuccess)
	metrics.ActiveSessions.Inc()
	return session, nil
}

// GetSession returns the session with the given ID, or (nil, nil) when no
// live session exists. Expired sessions are deleted on read.
func (a *Authenticator) GetSession(sessionID string) (*types.AuthSession, error) {
	defer metrics.Timer(metrics.OpSessionGet)()

	encoded, err := a.sessions.Get(sessionPrefix + sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authenticator: load session: %w", err)
	}

	var session types.AuthSession
	if err := json.Unmarshal(encoded, &session); err != nil {
		return nil, fmt.Errorf("authenticator: decode session: %w", err)
	}

	if session.Expired(a.clock()) {
		if err := a.sessions.Delete(sessionPrefix + sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.logger.Errorf("failed to delete expired session %s: %v", sessionID, err)
		} else {
			metrics.ActiveSessions.Dec()
		}
		return nil, nil
	}
	return &session, nil
}

// SignSessionResumption signs a resumption nonce for an existing session.
// The session must exist, be unexpired, and have been created by the same
// identity; otherwise ErrSessionInvalid or ErrKeyMismatch is returned
// before any key material is touched. Resumption attempts share the
// identity's rate-limit budget with challenge signing.
func (a *Authenticator) SignSessionResumption(ctx context.Context, sessionID, nonce string, id *types.ImportedIdentity) ([]byte, error) {
	defer metrics.Timer(metrics.OpSignResume)()

	if id == nil {
		return nil, fmt.Errorf("authenticator: identity is required")
	}

	session, err := a.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		a.record(audit.EventSessionResume, map[string]any{
			"session_id": sessionID,
		}, false, "session_invalid")
		metrics.RecordError(metrics.OpSignResume, "session_invalid")
		return nil, ErrSessionInvalid
	}
	if session.PublicKeyFingerprint != id.PublicKeyFingerprint {
		a.record(audit.EventSessionResume, map[string]any{
			"session_id":  sessionID,
			"fingerprint": id.PublicKeyFingerprint,
		}, false, "key_mismatch")
		metrics.RecordError(metrics.OpSignResume, "key_mismatch")
		return nil, ErrKeyMismatch
	}

	if !a.limiter.Allow(id.PublicKeyFingerprint) {
		a.record(audit.EventSessionResume, map[string]any{
			"session_id":  sessionID,
			"fingerprint": id.PublicKeyFingerprint,
		}, false, "rate_limited")
		metrics.RecordError(metrics.OpSignResume, "rate_limited")
		metrics.RateLimitedTotal.Inc()
		return nil, ErrRateLimited
	}

	signature, err := a.importer.SignChallenge(ctx, []byte(nonce), id.EncryptedPrivateKey, id.Alias)
	a.limiter.Record(id.PublicKeyFingerprint)
	if err != nil {
		a.record(audit.EventSessionResume, map[string]any{
			"session_id": sessionID,
		}, false, "sign_failed")
		return nil, err
	}

	a.record(audit.EventSessionResume, map[string]any{
		"session_id":  sessionID,
		"fingerprint": id.PublicKeyFingerprint,
	}, true, "")
	metrics.RecordOperation(metrics.OpSignResume, metrics.StatusSuccess)
	return signature, nil
}

// DeleteSession removes a session. Deleting a session that does not exist
// is not an error.
func (a *Authenticator) DeleteSession(sessionID string) error {
	err := a.sessions.Delete(sessionPrefix + sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("authenticator: delete session: %w", err)
	}
	a.record(audit.EventSessionDelete, map[string]any{"session_id": sessionID}, true, "")
	metrics.ActiveSessions.Dec()
	return nil
}

// Sessions returns all live sessions. Expired sessions encountered during
// the scan are deleted and omitted.
func (a *Authenticator) Sessions() ([]*types.AuthSession, error) {
	keys, err := a.sessions.List(sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("authenticator: list sessions: %w", err)
	}

	live := make([]*types.AuthSession, 0, len(keys))
	for _, key := range keys {
		session, err := a.GetSession(key[len(sessionPrefix):])
		if err != nil {
			return nil, err
		}
		if session != nil {
			live = append(live, session)
		}
	}
	return live, nil
}

// ClearSessions deletes every session, live or expired. Called on device
// lock and logout-all.
func (a *Authenticator) ClearSessions() error {
	keys, err := a.sessions.List(sessionPrefix)
	if err != nil {
		return fmt.Errorf("authenticator: list sessions: %w", err)
	}
	for _, key := range keys {
		if err := a.sessions.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("authenticator: clear sessions: %w", err)
		}
		metrics.ActiveSessions.Dec()
	}
	return nil
}

// Close stops the rate limiter's background worker.
func (a *Authenticator) Close() error {
	a.limiter.Stop()
	return nil
}

// challengeBytes returns the canonical byte sequence to sign for a
// challenge: the base64 nonce string concatenated with the decimal issue
// timestamp. Verifiers must reconstruct the same sequence.
func challengeBytes(challenge *types.AuthChallenge) []byte {
	return []byte(challenge.Nonce + strconv.FormatInt(challenge.IssuedAtMillis, 10))
}

func (a *Authenticator) record(eventType string, details map[string]any, success bool, errorCode string) {
	if a.audit == nil {
		return
	}
	a.audit.Record(eventType, details, success, errorCode)
}
