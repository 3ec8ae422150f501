package domain

import (
	"fmt"
	"strings"
	"time"
)

// Transaction is an immutable ledger entry for a submitted payment.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	SubjectID  string `json:"subjectId"`
	MerchantID string `json:"merchantId"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional risk signals
	DeviceID string `json:"deviceId,omitempty"`
	Country  string `json:"country,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Validate rejects malformed transactions before they reach the scoring
// engine. Missing fields fail closed rather than defaulting.
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.SubjectID) == "" {
		return fmt.Errorf("%w: subjectId is required", ErrValidation)
	}
	if strings.TrimSpace(t.MerchantID) == "" {
		return fmt.Errorf("%w: merchantId is required", ErrValidation)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}

// timestampLayouts accepted on the wire. RFC3339 covers explicit offsets
// and the Zulu suffix; the bare layouts are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a transaction timestamp with or without an
// explicit zone. Unparsable input is a validation failure, never
// silently replaced with the current time.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrValidation, raw)
}
