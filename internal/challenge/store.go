// Package challenge manages the one-time-code challenge lifecycle:
// issuance, attempt-limited verification, lockout, and lazy expiry.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/otp"
)

// Store holds outstanding one-time-code challenges, at most one live
// record per subject. A record transitions to absent on successful
// verification, on expiry-triggered read, or on overwrite by a new
// issuance. There is no background sweeper; expiry is checked lazily
// at verification time.
type Store interface {
	// Issue generates a code, stores its keyed digest, and returns the
	// plain code for out-of-band delivery. Any prior challenge for the
	// subject is overwritten.
	Issue(ctx context.Context, tenantID, subjectID, email string) (string, error)

	// Verify consumes the subject's challenge. nil means verified; the
	// record is deleted (one-time use). Failure modes fail closed:
	// domain.ErrNotFound, domain.ErrLocked, domain.ErrExpired, or
	// domain.ErrMismatch. A store that loses repeated write races on a
	// live record fails with domain.ErrConflict.
	Verify(ctx context.Context, tenantID, subjectID, code string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// record is the stored state for a single outstanding challenge.
type record struct {
	Digest      [otp.DigestSize]byte `json:"digest"`
	Email       string               `json:"email"`
	ExpiresAt   time.Time            `json:"expiresAt"`
	Attempts    int                  `json:"attempts"`
	LockedUntil time.Time            `json:"lockedUntil,omitempty"`
}

// New creates a challenge store based on configuration.
func New(cfg domain.ChallengeConfig) (Store, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg), nil
	case "redis":
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported challenge store type: %s", cfg.Type)
	}
}

func validate(cfg domain.ChallengeConfig) error {
	if len(cfg.Secret) == 0 {
		return fmt.Errorf("challenge secret is required")
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("challenge max attempts must be positive")
	}
	if cfg.LockDuration <= 0 {
		return fmt.Errorf("challenge lock duration must be positive")
	}
	return nil
}

func binding(subjectID, email string) otp.Binding {
	return otp.Binding{
		Email:     email,
		SubjectID: subjectID,
		Purpose:   otp.PurposeStepUp,
	}
}
