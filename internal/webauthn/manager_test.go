package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(domain.WebAuthnConfig{
		RPID:    "localhost",
		RPName:  "Kestrel",
		Timeout: time.Minute,
	})
}

// authenticator is a test double holding a P-256 keypair.
type authenticator struct {
	key *ecdsa.PrivateKey
}

func newAuthenticator(t *testing.T) *authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return &authenticator{key: key}
}

func (a *authenticator) publicKey(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func (a *authenticator) sign(t *testing.T, challengeB64 string) string {
	t.Helper()
	challenge, err := base64.RawURLEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}
	digest := sha256.Sum256(challenge)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// register runs a full registration ceremony.
func register(t *testing.T, m *Manager, auth *authenticator, tenantID, subjectID, credID string) {
	t.Helper()
	opts, err := m.StartRegistration(context.Background(), tenantID, subjectID, "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	_, err = m.FinishRegistration(context.Background(), tenantID, subjectID, &RegistrationAssertion{
		CredentialID: credID,
		PublicKey:    auth.publicKey(t),
		Signature:    auth.sign(t, opts.Challenge),
	})
	if err != nil {
		t.Fatalf("FinishRegistration failed: %v", err)
	}
}

func TestRegistrationCeremony(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)

	opts, err := m.StartRegistration(context.Background(), "tenant-1", "subject-1", "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	if opts.Challenge == "" || opts.RPID != "localhost" || opts.UserID != "subject-1" {
		t.Errorf("unexpected options: %+v", opts)
	}

	cred, err := m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    auth.sign(t, opts.Challenge),
	})
	if err != nil {
		t.Fatalf("FinishRegistration failed: %v", err)
	}
	if cred.ID != "cred-1" || cred.SignCount != 0 {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if !m.HasCredentials("tenant-1", "subject-1") {
		t.Error("expected subject to have credentials")
	}
}

func TestRegistrationRejectsBadSignature(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	impostor := newAuthenticator(t)

	opts, err := m.StartRegistration(context.Background(), "tenant-1", "subject-1", "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	// Signature from a different key than the presented public key.
	_, err = m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    impostor.sign(t, opts.Challenge),
	})
	if !errors.Is(err, domain.ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
	if m.HasCredentials("tenant-1", "subject-1") {
		t.Error("expected no credential stored on failed ceremony")
	}
}

func TestFinishWithoutStart(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)

	_, err := m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    base64.StdEncoding.EncodeToString([]byte("sig")),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCeremonyNonceSingleUse(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)

	opts, err := m.StartRegistration(context.Background(), "tenant-1", "subject-1", "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	// A failed finish consumes the nonce; the same challenge cannot be
	// replayed even with a now-valid assertion.
	_, err = m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    base64.StdEncoding.EncodeToString([]byte("garbage")),
	})
	if !errors.Is(err, domain.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	_, err = m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    auth.sign(t, opts.Challenge),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound on consumed nonce, got %v", err)
	}
}

func TestCeremonyNonceExpiry(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)

	now := time.Now()
	m.nowF = func() time.Time { return now }

	opts, err := m.StartRegistration(context.Background(), "tenant-1", "subject-1", "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, err = m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    auth.sign(t, opts.Challenge),
	})
	if !errors.Is(err, domain.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestAuthenticationCeremony(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	register(t, m, auth, "tenant-1", "subject-1", "cred-1")

	opts, err := m.StartAuthentication(context.Background(), "tenant-1", "subject-1")
	if err != nil {
		t.Fatalf("StartAuthentication failed: %v", err)
	}
	if len(opts.AllowCredentials) != 1 || opts.AllowCredentials[0] != "cred-1" {
		t.Errorf("unexpected allowed credentials: %v", opts.AllowCredentials)
	}

	err = m.FinishAuthentication(context.Background(), "tenant-1", "subject-1", &AuthenticationAssertion{
		CredentialID: "cred-1",
		Signature:    auth.sign(t, opts.Challenge),
		SignCount:    1,
	})
	if err != nil {
		t.Fatalf("FinishAuthentication failed: %v", err)
	}
}

func TestAuthenticationRequiresCredentials(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartAuthentication(context.Background(), "tenant-1", "subject-1")
	if !errors.Is(err, domain.ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestAuthenticationCounterRegression(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	register(t, m, auth, "tenant-1", "subject-1", "cred-1")

	authenticate := func(signCount uint32) error {
		opts, err := m.StartAuthentication(context.Background(), "tenant-1", "subject-1")
		if err != nil {
			t.Fatalf("StartAuthentication failed: %v", err)
		}
		return m.FinishAuthentication(context.Background(), "tenant-1", "subject-1", &AuthenticationAssertion{
			CredentialID: "cred-1",
			Signature:    auth.sign(t, opts.Challenge),
			SignCount:    signCount,
		})
	}

	if err := authenticate(5); err != nil {
		t.Fatalf("first authentication failed: %v", err)
	}

	// A counter below the stored value indicates a cloned
	// authenticator.
	if err := authenticate(4); !errors.Is(err, domain.ErrMismatch) {
		t.Errorf("expected ErrMismatch on counter regression, got %v", err)
	}

	// Equal counters are allowed (some authenticators never increment).
	if err := authenticate(5); err != nil {
		t.Errorf("expected equal counter to be accepted, got %v", err)
	}
}

func TestAuthenticationWrongKey(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	impostor := newAuthenticator(t)
	register(t, m, auth, "tenant-1", "subject-1", "cred-1")

	opts, err := m.StartAuthentication(context.Background(), "tenant-1", "subject-1")
	if err != nil {
		t.Fatalf("StartAuthentication failed: %v", err)
	}

	err = m.FinishAuthentication(context.Background(), "tenant-1", "subject-1", &AuthenticationAssertion{
		CredentialID: "cred-1",
		Signature:    impostor.sign(t, opts.Challenge),
		SignCount:    1,
	})
	if !errors.Is(err, domain.ErrMismatch) {
		t.Errorf("expected ErrMismatch for wrong key, got %v", err)
	}
}

func TestDuplicateCredentialRejected(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	register(t, m, auth, "tenant-1", "subject-1", "cred-1")

	opts, err := m.StartRegistration(context.Background(), "tenant-1", "subject-1", "Test User")
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	_, err = m.FinishRegistration(context.Background(), "tenant-1", "subject-1", &RegistrationAssertion{
		CredentialID: "cred-1",
		PublicKey:    auth.publicKey(t),
		Signature:    auth.sign(t, opts.Challenge),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate credential, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	m := newTestManager(t)
	auth := newAuthenticator(t)
	register(t, m, auth, "tenant-1", "subject-1", "cred-1")

	if m.HasCredentials("tenant-2", "subject-1") {
		t.Error("expected no credentials visible to other tenant")
	}
	if _, err := m.StartAuthentication(context.Background(), "tenant-2", "subject-1"); !errors.Is(err, domain.ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials for other tenant, got %v", err)
	}
}
