// Package stepup orchestrates scoring, challenge issuance, and
// verification into the step-up authentication flow.
package stepup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kestrel-sec/kestrel/internal/challenge"
	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/risk"
	"github.com/kestrel-sec/kestrel/internal/webauthn"
)

// Verification method names offered to callers.
const (
	MethodOTP      = "otp"
	MethodWebAuthn = "webauthn"
)

// EvaluationResult is the response to a transaction evaluation.
type EvaluationResult struct {
	Score          int      `json:"score"`
	RequiresStepUp bool     `json:"requiresStepUp"`
	Reasons        []string `json:"reasons,omitempty"`
	Methods        []string `json:"methods,omitempty"`
	HasWebauthn    bool     `json:"hasWebauthn"`

	// DevCode echoes the issued code in dev mode only.
	DevCode string `json:"devCode,omitempty"`
}

// VerificationResult is the response to a verification attempt. All
// failure modes collapse to verified=false at the boundary; Reason
// distinguishes them for the caller without leaking store internals.
type VerificationResult struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Service runs the step-up flow.
type Service struct {
	engine     *risk.Engine
	store      challenge.Store
	ceremonies *webauthn.Manager
	bus        domain.EventBus
	devMode    bool
}

// NewService creates the step-up service.
func NewService(engine *risk.Engine, store challenge.Store, ceremonies *webauthn.Manager, eventBus domain.EventBus, devMode bool) *Service {
	return &Service{
		engine:     engine,
		store:      store,
		ceremonies: ceremonies,
		bus:        eventBus,
		devMode:    devMode,
	}
}

// publish marshals and publishes an event. Bus trouble is logged and
// swallowed; eventing never fails the request that produced it.
func (s *Service) publish(ctx context.Context, tenantID, topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// Evaluate scores a transaction and, when step-up is required, issues a
// one-time-code challenge and reports the available verification
// methods.
func (s *Service) Evaluate(ctx context.Context, tx *domain.Transaction) (*EvaluationResult, error) {
	scored, err := s.engine.Score(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, tx.TenantID, domain.TopicTransactionScored, &domain.TransactionScoredEvent{
		TxID:           tx.ID,
		SubjectID:      tx.SubjectID,
		MerchantID:     tx.MerchantID,
		Score:          scored.Score,
		RequiresStepUp: scored.RequiresStepUp,
		ScoredAt:       time.Now(),
	})

	result := &EvaluationResult{
		Score:          scored.Score,
		RequiresStepUp: scored.RequiresStepUp,
		Reasons:        scored.Reasons,
	}
	if !scored.RequiresStepUp {
		return result, nil
	}

	code, err := s.store.Issue(ctx, tx.TenantID, tx.SubjectID, tx.Email)
	if err != nil {
		return nil, err
	}

	// Delivery happens on the notifier side of the bus, off the store
	// lock and off this request's critical path.
	s.publish(ctx, tx.TenantID, domain.TopicChallengeIssued, &domain.ChallengeIssuedEvent{
		SubjectID: tx.SubjectID,
		Email:     tx.Email,
		Code:      code,
		IssuedAt:  time.Now(),
	})

	result.HasWebauthn = s.ceremonies.HasCredentials(tx.TenantID, tx.SubjectID)
	result.Methods = []string{MethodOTP}
	if result.HasWebauthn {
		result.Methods = append(result.Methods, MethodWebAuthn)
	}
	if s.devMode {
		result.DevCode = code
	}

	return result, nil
}

// reason maps a store or ceremony failure to a boundary-safe label.
func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "no_challenge"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrLocked):
		return "locked"
	case errors.Is(err, domain.ErrMismatch):
		return "mismatch"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// VerifyCode verifies a one-time code. Failure modes collapse to
// verified=false; only unexpected errors propagate.
func (s *Service) VerifyCode(ctx context.Context, tenantID, subjectID, code string) (*VerificationResult, error) {
	err := s.store.Verify(ctx, tenantID, subjectID, code)

	result := &VerificationResult{Verified: err == nil}
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) &&
			!errors.Is(err, domain.ErrExpired) &&
			!errors.Is(err, domain.ErrLocked) &&
			!errors.Is(err, domain.ErrMismatch) {
			return nil, err
		}
		result.Reason = reason(err)
	}

	s.publish(ctx, tenantID, domain.TopicChallengeVerified, &domain.ChallengeVerifiedEvent{
		SubjectID:  subjectID,
		Method:     MethodOTP,
		Verified:   result.Verified,
		Reason:     result.Reason,
		VerifiedAt: time.Now(),
	})

	return result, nil
}

// StartRegistration begins a credential registration ceremony.
func (s *Service) StartRegistration(ctx context.Context, tenantID, subjectID, displayName string) (*webauthn.RegistrationOptions, error) {
	return s.ceremonies.StartRegistration(ctx, tenantID, subjectID, displayName)
}

// FinishRegistration completes a registration ceremony and announces
// the new credential.
func (s *Service) FinishRegistration(ctx context.Context, tenantID, subjectID string, assertion *webauthn.RegistrationAssertion) (*webauthn.Credential, error) {
	cred, err := s.ceremonies.FinishRegistration(ctx, tenantID, subjectID, assertion)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, tenantID, domain.TopicCredentialAdded, &domain.CredentialAddedEvent{
		SubjectID:    subjectID,
		CredentialID: cred.ID,
		AddedAt:      time.Now(),
	})

	return cred, nil
}

// StartAuthentication begins a credential authentication ceremony.
func (s *Service) StartAuthentication(ctx context.Context, tenantID, subjectID string) (*webauthn.AuthenticationOptions, error) {
	return s.ceremonies.StartAuthentication(ctx, tenantID, subjectID)
}

// FinishAuthentication completes an authentication ceremony. Like
// VerifyCode, ceremony failures collapse to verified=false.
func (s *Service) FinishAuthentication(ctx context.Context, tenantID, subjectID string, assertion *webauthn.AuthenticationAssertion) (*VerificationResult, error) {
	err := s.ceremonies.FinishAuthentication(ctx, tenantID, subjectID, assertion)

	result := &VerificationResult{Verified: err == nil}
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) &&
			!errors.Is(err, domain.ErrExpired) &&
			!errors.Is(err, domain.ErrMismatch) &&
			!errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		result.Reason = reason(err)
	}

	s.publish(ctx, tenantID, domain.TopicChallengeVerified, &domain.ChallengeVerifiedEvent{
		SubjectID:  subjectID,
		Method:     MethodWebAuthn,
		Verified:   result.Verified,
		Reason:     result.Reason,
		VerifiedAt: time.Now(),
	})

	return result, nil
}

// HasCredentials reports whether the subject can use the webauthn
// method.
func (s *Service) HasCredentials(tenantID, subjectID string) bool {
	return s.ceremonies.HasCredentials(tenantID, subjectID)
}
