package domain

import "time"

// TransactionScoredEvent is published after every scoring decision.
type TransactionScoredEvent struct {
	TxID           string    `json:"txId"`
	SubjectID      string    `json:"subjectId"`
	MerchantID     string    `json:"merchantId"`
	Score          int       `json:"score"`
	RequiresStepUp bool      `json:"requiresStepUp"`
	ScoredAt       time.Time `json:"scoredAt"`
}

// ChallengeIssuedEvent carries a just-issued code to the notifier. The
// code is a snapshot taken after the challenge store released its lock;
// delivery never holds store state.
type ChallengeIssuedEvent struct {
	SubjectID string    `json:"subjectId"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// ChallengeVerifiedEvent records the outcome of a verification attempt.
type ChallengeVerifiedEvent struct {
	SubjectID  string    `json:"subjectId"`
	Method     string    `json:"method"`
	Verified   bool      `json:"verified"`
	Reason     string    `json:"reason,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// CredentialAddedEvent records a completed registration ceremony.
type CredentialAddedEvent struct {
	SubjectID    string    `json:"subjectId"`
	CredentialID string    `json:"credentialId"`
	AddedAt      time.Time `json:"addedAt"`
}
