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

// Package biometric gates the use of protected keys behind a user-presence
// check. The actual prompt UI is an external collaborator supplied through
// the Prompter interface; this package owns only the contract: a protected
// key is usable if and only if the immediately preceding prompt returned
// Authorized for that purpose. The gate never stores or produces secret
// material itself.
package biometric

import (
	"context"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyguard/pkg/audit"
	"github.com/jeremyhahn/go-keyguard/pkg/logging"
)

// Outcome is the result of a presence check.
type Outcome int

const (
	// OutcomeAuthorized means the user passed the biometric check or the
	// device-credential (PIN/pattern) fallback. Both are equally valid.
	OutcomeAuthorized Outcome = iota

	// OutcomeDenied means the check failed.
	OutcomeDenied

	// OutcomeCancelled means the user or the caller dismissed the prompt.
	OutcomeCancelled
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeDenied:
		return "denied"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// State is the gate's position in its prompt lifecycle.
type State int

const (
	StateIdle State = iota
	StatePresenting
)

// Prompter presents the user-presence UI. Implementations block until the
// user responds or ctx is cancelled, and must honor ctx cancellation by
// returning OutcomeCancelled (or ctx.Err()).
type Prompter interface {
	// Prompt displays a presence check explaining the purpose and returns
	// the user's decision.
	Prompt(ctx context.Context, purpose string) (Outcome, error)
}

// Authorization is the short-lived, single-use capability produced by a
// successful presence check. It is consumed by the key custodian the moment
// a protected key is released, and cannot be reused for an unrelated
// operation or purpose.
type Authorization struct {
	purpose  string
	issuedAt time.Time
	ttl      time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	consumed bool
}

// Purpose returns the purpose string the authorization was issued for.
func (a *Authorization) Purpose() string {
	return a.purpose
}

// Consume marks the authorization used for the given purpose. It fails if
// the authorization was already consumed, expired, or issued for a
// different purpose. A consumed authorization can never release key
// material again.
func (a *Authorization) Consume(purpose string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.consumed {
		return ErrAuthorizationConsumed
	}
	if a.purpose != purpose {
		return ErrPurposeMismatch
	}
	if a.ttl > 0 && a.clock().Sub(a.issuedAt) > a.ttl {
		a.consumed = true
		return ErrAuthorizationExpired
	}
	a.consumed = true
	return nil
}

// Config configures a Gate.
type Config struct {
	// Prompter presents the presence check. A nil Prompter means no
	// biometric hardware is available and the gate reports unavailable.
	Prompter Prompter

	// MaxConsecutiveFailures is the number of consecutive denials after
	// which RequestAuthorization fails with ErrAuthenticationFailed.
	// Defaults to 5. Cancellations do not count.
	MaxConsecutiveFailures int

	// AuthorizationTTL bounds how long an unconsumed authorization stays
	// valid. Defaults to 10 seconds.
	AuthorizationTTL time.Duration

	// Audit receives prompt outcomes. Optional.
	Audit *audit.Sink

	// Logger defaults to the package default logger.
	Logger *logging.Logger

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Gate performs a single user-presence check per protected operation.
// State machine: Idle -> Presenting -> {Authorized, Denied, Cancelled},
// returning to Idle after every prompt.
type Gate struct {
	prompter Prompter
	maxFails int
	ttl      time.Duration
	audit    *audit.Sink
	logger   *logging.Logger
	clock    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
}

// NewGate creates a biometric gate with the given configuration.
func NewGate(config *Config) *Gate {
	if config == nil {
		config = &Config{}
	}

	maxFails := config.MaxConsecutiveFailures
	if maxFails == 0 {
		maxFails = 5
	}

	ttl := config.AuthorizationTTL
	if ttl == 0 {
		ttl = 10 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Gate{
		prompter: config.Prompter,
		maxFails: maxFails,
		ttl:      ttl,
		audit:    config.Audit,
		logger:   logger,
		clock:    clock,
	}
}

// Available reports whether a presence check can be presented at all.
func (g *Gate) Available() bool {
	return g.prompter != nil
}

// State returns the gate's current lifecycle state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RequestAuthorization presents a presence check for the given purpose and
// returns a single-use Authorization on success. Denial, cancellation (user
// or context), and failure-cap exhaustion all return errors and never an
// authorization; a cancelled prompt can never yield a usable key.
func (g *Gate) RequestAuthorization(ctx context.Context, purpose string) (*Authorization, error) {
	if g.prompter == nil {
		return nil, ErrGateUnavailable
	}

	g.mu.Lock()
	if g.failures >= g.maxFails {
		g.mu.Unlock()
		g.record(purpose, OutcomeDenied, "too_many_failures")
		return nil, ErrAuthenticationFailed
	}
	g.state = StatePresenting
	g.mu.Unlock()

	outcome, err := g.prompter.Prompt(ctx, purpose)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateIdle

	// Caller-side cancellation wins over whatever the prompter reported.
	if ctx.Err() != nil {
		g.record(purpose, OutcomeCancelled, "context")
		return nil, ErrAuthorizationCancelled
	}
	if err != nil {
		g.logger.Errorf("biometric: prompt failed: %v", err)
		g.failures++
		g.record(purpose, OutcomeDenied, "prompt_error")
		return nil, ErrAuthorizationDenied
	}

	switch outcome {
	case OutcomeAuthorized:
		g.failures = 0
		g.record(purpose, OutcomeAuthorized, "")
		return &Authorization{
			purpose:  purpose,
			issuedAt: g.clock(),
			ttl:      g.ttl,
			clock:    g.clock,
		}, nil
	case OutcomeCancelled:
		g.record(purpose, OutcomeCancelled, "user")
		return nil, ErrAuthorizationCancelled
	default:
		g.failures++
		g.record(purpose, OutcomeDenied, "")
		if g.failures >= g.maxFails {
			return nil, ErrAuthenticationFailed
		}
		return nil, ErrAuthorizationDenied
	}
}

// ResetFailures clears the consecutive failure counter, for callers that
// re-establish trust through another channel (e.g. full re-login).
func (g *Gate) ResetFailures() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

func (g *Gate) record(purpose string, outcome Outcome, reason string) {
	if g.audit == nil {
		return
	}
	details := map[string]any{
		"purpose": purpose,
		"outcome": outcome.String(),
	}
	if reason != "" {
		details["reason"] = reason
	}
	g.audit.Record(audit.EventBiometricPrompt, details, outcome == OutcomeAuthorized, "")
}
