// Package webauthn manages possession-credential ceremonies: two-phase
// registration and authentication with single-use challenge nonces and
// signature verification against the stored public key.
package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

const challengeSize = 32

// Credential is one registered possession credential for a subject.
// SignCount is enforced monotonically non-decreasing across successful
// authentications to detect cloned authenticators.
type Credential struct {
	ID        string    `json:"id"`
	PublicKey []byte    `json:"-"`
	SignCount uint32    `json:"signCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegistrationOptions is the challenge material returned to start a
// registration ceremony.
type RegistrationOptions struct {
	Challenge string `json:"challenge"`
	RPID      string `json:"rpId"`
	RPName    string `json:"rpName"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timeout   int64  `json:"timeout"`
}

// AuthenticationOptions is the challenge material returned to start an
// authentication ceremony, including the subject's credential
// descriptors.
type AuthenticationOptions struct {
	Challenge        string   `json:"challenge"`
	RPID             string   `json:"rpId"`
	Timeout          int64    `json:"timeout"`
	AllowCredentials []string `json:"allowCredentials"`
}

// RegistrationAssertion is the payload finishing a registration
// ceremony: the new credential's public key plus a signature over the
// issued challenge proving possession of the private key.
type RegistrationAssertion struct {
	CredentialID string `json:"credentialId"`
	PublicKey    string `json:"publicKey"` // base64 PKIX DER, ECDSA P-256
	Signature    string `json:"signature"` // base64 ASN.1 over SHA-256 of the challenge
}

// AuthenticationAssertion is the payload finishing an authentication
// ceremony.
type AuthenticationAssertion struct {
	CredentialID string `json:"credentialId"`
	Signature    string `json:"signature"`
	SignCount    uint32 `json:"signCount"`
}

// ceremony purposes, part of the nonce key so a registration challenge
// can never finish an authentication ceremony.
const (
	purposeRegister     = "register"
	purposeAuthenticate = "authenticate"
)

type nonce struct {
	challenge []byte
	expiresAt time.Time
}

// Manager tracks per-subject credentials and outstanding ceremony
// nonces. Nonces are single-use: any finish attempt consumes them.
type Manager struct {
	mu     sync.Mutex
	cfg    domain.WebAuthnConfig
	creds  map[string][]*Credential
	nonces map[string]*nonce
	nowF   func() time.Time
}

// NewManager creates a ceremony manager.
func NewManager(cfg domain.WebAuthnConfig) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Manager{
		cfg:    cfg,
		creds:  make(map[string][]*Credential),
		nonces: make(map[string]*nonce),
		nowF:   time.Now,
	}
}

func subjectKey(tenantID, subjectID string) string {
	return tenantID + ":" + subjectID
}

func nonceKey(purpose, tenantID, subjectID string) string {
	return purpose + ":" + tenantID + ":" + subjectID
}

func newChallenge() ([]byte, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return buf, nil
}

// issueNonce stores a fresh challenge for the ceremony, overwriting any
// outstanding one for the same (purpose, subject).
func (m *Manager) issueNonce(purpose, tenantID, subjectID string) ([]byte, error) {
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nonces[nonceKey(purpose, tenantID, subjectID)] = &nonce{
		challenge: challenge,
		expiresAt: m.nowF().Add(m.cfg.Timeout),
	}
	m.mu.Unlock()

	return challenge, nil
}

// consumeNonce removes and returns the outstanding challenge. The
// delete happens before any verification so a failed finish cannot be
// retried against the same nonce.
func (m *Manager) consumeNonce(purpose, tenantID, subjectID string) ([]byte, error) {
	key := nonceKey(purpose, tenantID, subjectID)

	m.mu.Lock()
	n, ok := m.nonces[key]
	delete(m.nonces, key)
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no outstanding ceremony", domain.ErrNotFound)
	}
	if m.nowF().After(n.expiresAt) {
		return nil, fmt.Errorf("%w: ceremony challenge expired", domain.ErrExpired)
	}
	return n.challenge, nil
}

// StartRegistration begins a registration ceremony for the subject.
func (m *Manager) StartRegistration(ctx context.Context, tenantID, subjectID, displayName string) (*RegistrationOptions, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subjectId is required", domain.ErrValidation)
	}

	challenge, err := m.issueNonce(purposeRegister, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	return &RegistrationOptions{
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		RPID:      m.cfg.RPID,
		RPName:    m.cfg.RPName,
		UserID:    subjectID,
		UserName:  displayName,
		Timeout:   m.cfg.Timeout.Milliseconds(),
	}, nil
}

// FinishRegistration verifies the assertion against the outstanding
// challenge and stores the credential. The presented signature must
// verify under the presented public key, proving possession.
func (m *Manager) FinishRegistration(ctx context.Context, tenantID, subjectID string, assertion *RegistrationAssertion) (*Credential, error) {
	if assertion == nil || assertion.CredentialID == "" || assertion.PublicKey == "" {
		return nil, fmt.Errorf("%w: credentialId and publicKey are required", domain.ErrValidation)
	}

	challenge, err := m.consumeNonce(purposeRegister, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	der, err := base64.StdEncoding.DecodeString(assertion.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed public key encoding", domain.ErrValidation)
	}
	pub, err := parsePublicKey(der)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(pub, challenge, assertion.Signature); err != nil {
		return nil, err
	}

	cred := &Credential{
		ID:        assertion.CredentialID,
		PublicKey: der,
		SignCount: 0,
		CreatedAt: m.nowF(),
	}

	key := subjectKey(tenantID, subjectID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.creds[key] {
		if existing.ID == cred.ID {
			return nil, fmt.Errorf("%w: credential already registered", domain.ErrValidation)
		}
	}
	m.creds[key] = append(m.creds[key], cred)

	return cred, nil
}

// StartAuthentication begins an authentication ceremony. A subject with
// no registered credentials cannot authenticate this way.
func (m *Manager) StartAuthentication(ctx context.Context, tenantID, subjectID string) (*AuthenticationOptions, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subjectId is required", domain.ErrValidation)
	}

	key := subjectKey(tenantID, subjectID)
	m.mu.Lock()
	creds := m.creds[key]
	allowed := make([]string, 0, len(creds))
	for _, c := range creds {
		allowed = append(allowed, c.ID)
	}
	m.mu.Unlock()

	if len(allowed) == 0 {
		return nil, domain.ErrNoCredentials
	}

	challenge, err := m.issueNonce(purposeAuthenticate, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	return &AuthenticationOptions{
		Challenge:        base64.RawURLEncoding.EncodeToString(challenge),
		RPID:             m.cfg.RPID,
		Timeout:          m.cfg.Timeout.Milliseconds(),
		AllowCredentials: allowed,
	}, nil
}

// FinishAuthentication verifies the assertion signature under the
// stored public key and advances the signature counter. A counter that
// moves backwards indicates a cloned authenticator and fails the
// ceremony.
func (m *Manager) FinishAuthentication(ctx context.Context, tenantID, subjectID string, assertion *AuthenticationAssertion) error {
	if assertion == nil || assertion.CredentialID == "" {
		return fmt.Errorf("%w: credentialId is required", domain.ErrValidation)
	}

	challenge, err := m.consumeNonce(purposeAuthenticate, tenantID, subjectID)
	if err != nil {
		return err
	}

	key := subjectKey(tenantID, subjectID)
	m.mu.Lock()
	var cred *Credential
	for _, c := range m.creds[key] {
		if c.ID == assertion.CredentialID {
			cred = c
			break
		}
	}
	m.mu.Unlock()

	if cred == nil {
		return fmt.Errorf("%w: unknown credential", domain.ErrNotFound)
	}

	pub, err := parsePublicKey(cred.PublicKey)
	if err != nil {
		return err
	}
	if err := verifySignature(pub, challenge, assertion.Signature); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if assertion.SignCount < cred.SignCount {
		return fmt.Errorf("%w: signature counter regressed", domain.ErrMismatch)
	}
	cred.SignCount = assertion.SignCount

	return nil
}

// HasCredentials reports whether the subject has at least one
// registered credential.
func (m *Manager) HasCredentials(tenantID, subjectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds[subjectKey(tenantID, subjectID)]) > 0
}

// Credentials returns the subject's registered credentials.
func (m *Manager) Credentials(tenantID, subjectID string) []*Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds := m.creds[subjectKey(tenantID, subjectID)]
	out := make([]*Credential, len(creds))
	copy(out, creds)
	return out
}

func parsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable public key", domain.ErrValidation)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: expected ECDSA P-256 public key", domain.ErrValidation)
	}
	return pub, nil
}

// verifySignature checks an ASN.1 ECDSA signature over the SHA-256 of
// the issued challenge.
func verifySignature(pub *ecdsa.PublicKey, challenge []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", domain.ErrValidation)
	}

	digest := sha256.Sum256(challenge)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("%w: signature verification failed", domain.ErrMismatch)
	}
	return nil
}
