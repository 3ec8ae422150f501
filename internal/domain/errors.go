package domain

import "errors"

// Sentinel errors shared across the core components. Handlers translate
// these into response payloads; none of them are fatal to the process.
var (
	// ErrValidation marks malformed input rejected before scoring.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing challenge, transaction, or credential.
	ErrNotFound = errors.New("not found")

	// ErrMismatch marks a wrong one-time code or a failed signature check.
	ErrMismatch = errors.New("verification mismatch")

	// ErrLocked marks a verification blocked by an active lockout window.
	ErrLocked = errors.New("verification locked")

	// ErrExpired marks a challenge past its TTL.
	ErrExpired = errors.New("challenge expired")

	// ErrNoCredentials marks an authentication ceremony for a subject
	// with no registered credentials.
	ErrNoCredentials = errors.New("no registered credentials")

	// ErrConflict marks a verification abandoned after repeated
	// concurrent modification of the same challenge. Retryable.
	ErrConflict = errors.New("verification conflict")
)
