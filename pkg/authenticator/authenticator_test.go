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

package authenticator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strconv"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keyguard/pkg/biometric"
	"github.com/jeremyhahn/go-keyguard/pkg/cipher"
	"github.com/jeremyhahn/go-keyguard/pkg/custodian"
	"github.com/jeremyhahn/go-keyguard/pkg/identity"
	"github.com/jeremyhahn/go-keyguard/pkg/storage"
	"github.com/jeremyhahn/go-keyguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approvingPrompter struct{}

func (p *approvingPrompter) Prompt(ctx context.Context, purpose string) (biometric.Outcome, error) {
	return biometric.OutcomeAuthorized, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fixture struct {
	auth     *Authenticator
	importer *identity.Importer
	clock    *fakeClock
}

func newFixture(t *testing.T, maxAttempts int, window time.Duration) *fixture {
	t.Helper()
	gate := biometric.NewGate(&biometric.Config{Prompter: &approvingPrompter{}})
	backend, err := custodian.NewSoftwareBackend(&custodian.SoftwareConfig{
		Storage: storage.NewMemory(),
		Gate:    gate,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	service, err := cipher.NewService(&cipher.Config{
		Custodian: backend,
		Gate:      gate,
	})
	require.NoError(t, err)

	importer, err := identity.NewImporter(&identity.Config{Cipher: service})
	require.NoError(t, err)

	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	auth, err := New(&Config{
		Importer:      importer,
		Sessions:      storage.NewMemory(),
		MaxAttempts:   maxAttempts,
		AttemptWindow: window,
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auth.Close() })

	return &fixture{auth: auth, importer: importer, clock: clock}
}

func importTestIdentity(t *testing.T, f *fixture, alias string) (*types.ImportedIdentity, string) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	raw := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pubLine, err := f.importer.PublicKey(append([]byte(nil), raw...), nil)
	require.NoError(t, err)

	id, err := f.importer.ImportPrivateKey(context.Background(), raw, nil, alias)
	require.NoError(t, err)
	return id, pubLine
}

func TestGenerateChallenge(t *testing.T) {
	f := newFixture(t, 5, time.Minute)

	challenge, err := f.auth.GenerateChallenge()
	require.NoError(t, err)

	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	require.NoError(t, err)
	assert.Len(t, nonce, types.ChallengeNonceSize)
	assert.Equal(t, int64(1700000000000), challenge.IssuedAtMillis)

	second, err := f.auth.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, challenge.Nonce, second.Nonce)
}

func TestSignAuthChallenge(t *testing.T) {
	f := newFixture(t, 5, time.Minute)
	id, pubLine := importTestIdentity(t, f, "alias")

	challenge, err := f.auth.GenerateChallenge()
	require.NoError(t, err)

	signature, err := f.auth.SignAuthChallenge(context.Background(), challenge, id)
	require.NoError(t, err)

	// The verifier reconstructs nonce string bytes followed by the
	// decimal timestamp.
	data := []byte(challenge.Nonce + strconv.FormatInt(challenge.IssuedAtMillis, 10))
	assert.NoError(t, identity.Verify(pubLine, data, signature))
}

func TestSignAuthChallenge_RateLimited(t *testing.T) {
	f := newFixture(t, 3, time.Minute)
	id, _ := importTestIdentity(t, f, "alias")
	ctx := context.Background()

	challenge, err := f.auth.GenerateChallenge()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.auth.SignAuthChallenge(ctx, challenge, id)
		require.NoError(t, err, "attempt %d", i+1)
	}

	_, err = f.auth.SignAuthChallenge(ctx, challenge, id)
	assert.ErrorIs(t, err, ErrRateLimited)

	// The budget is per fingerprint; another identity is unaffected.
	other, _ := importTestIdentity(t, f, "other")
	_, err = f.auth.SignAuthChallenge(ctx, challenge, other)
	assert.NoError(t, err)
}

func TestSignAuthChallenge_WindowElapses(t *testing.T) {
	f := newFixture(t, 2, time.Minute)
	id, _ := importTestIdentity(t, f, "alias")
	ctx := context.Background()

	challenge, err := f.auth.GenerateChallenge()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.auth.SignAuthChallenge(ctx, challenge, id)
		require.NoError(t, err)
	}
	_, err = f.auth.SignAuthChallenge(ctx, challenge, id)
	require.ErrorIs(t, err, ErrRateLimited)

	f.clock.Advance(61 * time.Second)
	_, err = f.auth.SignAuthChallenge(ctx, challenge, id)
	assert.NoError(t, err, "budget must recover once the window elapses")
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, 5, time.Minute)

	session, err := f.auth.CreateSession("", "SHA256:fp", "wss://peer.example:443")
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, int64(1700000000000), session.CreatedAtMillis)
	assert.Equal(t, int64(1700000000000+86400000), session.ExpiresAtMillis)

	loaded, err := f.auth.GetSession(session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, session.SessionID, loaded.SessionID)
	assert.Equal(t, "SHA256:fp", loaded.PublicKeyFingerprint)
	assert.Equal(t, "wss://peer.example:443", loaded.PeerEndpoint)

	require.NoError(t, f.auth.DeleteSession(session.SessionID))
	gone, err := f.auth.GetSession(session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Deleting again is not an error.
	assert.NoError(t, f.auth.DeleteSession(session.SessionID))
}

func TestGetSession_ExpiresLazily(t *testing.T) {
	f := newFixture(t, 5, time.Minute)

	session, err := f.auth.CreateSession("", "SHA256:fp", "")
	require.NoError(t, err)

	// One millisecond past the 24-hour expiry.
	f.clock.Advance(24*time.Hour + time.Millisecond)

	loaded, err := f.auth.GetSession(session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, loaded, "expired session must read as absent")

	// The lazy delete is durable, not just filtered.
	sessions, err := f.auth.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGetSession_Unknown(t *testing.T) {
	f := newFixture(t, 5, time.Minute)

	session, err := f.auth.GetSession("no-such-session")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSignSessionResumption(t *testing.T) {
	f := newFixture(t, 5, time.Minute)
	id, pubLine := importTestIdentity(t, f, "alias")
	ctx := context.Background()

	session, err := f.auth.CreateSession("", id.PublicKeyFingerprint, "")
	require.NoError(t, err)

	signature, err := f.auth.SignSessionResumption(ctx, session.SessionID, "resume-nonce", id)
	require.NoError(t, err)
	assert.NoError(t, identity.Verify(pubLine, []byte("resume-nonce"), signature))
}

func TestSignSessionResumption_InvalidSession(t *testing.T) {
	f := newFixture(t, 5, time.Minute)
	id, _ := importTestIdentity(t, f, "alias")
	ctx := context.Background()

	_, err := f.auth.SignSessionResumption(ctx, "no-such-session", "nonce", id)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	session, err := f.auth.CreateSession("", id.PublicKeyFingerprint, "")
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	_, err = f.auth.SignSessionResumption(ctx, session.SessionID, "nonce", id)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSignSessionResumption_KeyMismatch(t *testing.T) {
	f := newFixture(t, 5, time.Minute)
	id, _ := importTestIdentity(t, f, "alias")
	other, _ := importTestIdentity(t, f, "other")
	ctx := context.Background()

	session, err := f.auth.CreateSession("", id.PublicKeyFingerprint, "")
	require.NoError(t, err)

	_, err = f.auth.SignSessionResumption(ctx, session.SessionID, "nonce", other)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestClearSessions(t *testing.T) {
	f := newFixture(t, 5, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := f.auth.CreateSession("", "SHA256:fp", "")
		require.NoError(t, err)
	}

	sessions, err := f.auth.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	require.NoError(t, f.auth.ClearSessions())

	sessions, err = f.auth.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
