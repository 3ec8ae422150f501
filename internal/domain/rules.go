package domain

import "time"

// RiskDefaults are the engine-wide thresholds applied when a merchant
// has no configured rule set, or leaves a threshold unset. Unknown
// merchants still get baseline protection.
type RiskDefaults struct {
	HighValueAmount float64
	MaxTxPerDay     int
	MaxAmountPerDay float64
}

// DefaultRiskThresholds returns the engine-wide fallback thresholds.
func DefaultRiskThresholds() RiskDefaults {
	return RiskDefaults{
		HighValueAmount: 500,
		MaxTxPerDay:     10,
		MaxAmountPerDay: 3000,
	}
}

// StepUpThreshold is the fixed score at or above which a transaction
// requires a secondary verification factor. Deliberately not tunable
// per merchant.
const StepUpThreshold = 3

// MerchantRuleSet is the per-merchant fraud-rule configuration.
// Threshold fields are pointers so an unset value falls back to the
// engine defaults instead of zero.
type MerchantRuleSet struct {
	MerchantID string `json:"merchantId"`
	TenantID   string `json:"tenantId"`

	HighValueAmount *float64 `json:"highValueAmount,omitempty"`
	MaxTxPerDay     *int     `json:"maxTxPerDay,omitempty"`
	MaxAmountPerDay *float64 `json:"maxAmountPerDay,omitempty"`

	NewDevice          bool `json:"newDevice"`
	NewLocation        bool `json:"newLocation"`
	SuspiciousMerchant bool `json:"suspiciousMerchant"`

	// Declared but not evaluated by the built-in scoring; reserved for
	// future rules and usable from extension expressions.
	MaxTxPerHour     *int     `json:"maxTxPerHour,omitempty"`
	MaxAmountPerTx   *float64 `json:"maxAmountPerTx,omitempty"`
	MaxAmountPerWeek *float64 `json:"maxAmountPerWeek,omitempty"`
	TxFrequencyLimit *int     `json:"txFrequencyLimit,omitempty"`
	TxAmountPattern  bool     `json:"txAmountPattern"`

	// Extensions are merchant-authored CEL rules evaluated after the
	// built-in checks, each adding Points to the score when true.
	Extensions []ExtensionRule `json:"extensions,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ExtensionRule is a CEL expression over the scoring context that adds
// Points to the risk score when it evaluates to true.
type ExtensionRule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Points     int    `json:"points"`
	Enabled    bool   `json:"enabled"`
}

// RiskResult is the outcome of scoring one transaction.
type RiskResult struct {
	Score          int      `json:"score"`
	RequiresStepUp bool     `json:"requiresStepUp"`
	Reasons        []string `json:"reasons,omitempty"`
}
