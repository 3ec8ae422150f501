// Package risk provides the transaction risk scoring engine.
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

// historyWindow is the trailing period of prior transactions consulted
// for velocity and cumulative-amount rules.
const historyWindow = 24 * time.Hour

// Engine scores transactions against merchant rule sets and the
// trailing ledger window. Rule sets are compiled once and swapped
// atomically on reload.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*loadedRuleSet
	repo     domain.Repository
	defaults domain.RiskDefaults
	exprEnv  *exprEnv
	nowF     func() time.Time
}

// loadedRuleSet pairs a merchant configuration with its compiled
// extension programs.
type loadedRuleSet struct {
	config     *domain.MerchantRuleSet
	extensions []*compiledExtension
}

// NewEngine creates a scoring engine backed by the given ledger
// repository.
func NewEngine(repo domain.Repository, defaults domain.RiskDefaults) (*Engine, error) {
	env, err := newExprEnv()
	if err != nil {
		return nil, err
	}

	return &Engine{
		rules:    make(map[string]*loadedRuleSet),
		repo:     repo,
		defaults: defaults,
		exprEnv:  env,
		nowF:     time.Now,
	}, nil
}

func ruleKey(tenantID, merchantID string) string {
	return tenantID + ":" + merchantID
}

// ValidateRuleSet compiles a rule set's extensions without loading it.
func (e *Engine) ValidateRuleSet(rs *domain.MerchantRuleSet) error {
	if rs == nil {
		return fmt.Errorf("%w: rule set is required", domain.ErrValidation)
	}
	if rs.MerchantID == "" {
		return fmt.Errorf("%w: merchantId is required", domain.ErrValidation)
	}
	_, err := e.compile(rs)
	return err
}

// LoadRuleSet compiles and loads one merchant rule set, replacing any
// prior configuration for the merchant.
func (e *Engine) LoadRuleSet(rs *domain.MerchantRuleSet) error {
	loaded, err := e.compile(rs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[ruleKey(rs.TenantID, rs.MerchantID)] = loaded
	e.mu.Unlock()

	return nil
}

// ReloadRuleSets replaces all loaded rule sets. Used for hot reload
// from the repository; a compile failure leaves the previous set
// untouched.
func (e *Engine) ReloadRuleSets(sets []*domain.MerchantRuleSet) error {
	next := make(map[string]*loadedRuleSet, len(sets))
	for _, rs := range sets {
		loaded, err := e.compile(rs)
		if err != nil {
			return err
		}
		next[ruleKey(rs.TenantID, rs.MerchantID)] = loaded
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()

	return nil
}

// ReloadTenantRuleSets replaces one tenant's rule sets, leaving other
// tenants untouched.
func (e *Engine) ReloadTenantRuleSets(tenantID string, sets []*domain.MerchantRuleSet) error {
	compiled := make(map[string]*loadedRuleSet, len(sets))
	for _, rs := range sets {
		loaded, err := e.compile(rs)
		if err != nil {
			return err
		}
		compiled[ruleKey(tenantID, rs.MerchantID)] = loaded
	}

	prefix := tenantID + ":"
	e.mu.Lock()
	for key := range e.rules {
		if strings.HasPrefix(key, prefix) {
			delete(e.rules, key)
		}
	}
	for key, loaded := range compiled {
		e.rules[key] = loaded
	}
	e.mu.Unlock()

	return nil
}

// RuleSetCount returns the number of loaded merchant rule sets.
func (e *Engine) RuleSetCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) lookup(tenantID, merchantID string) *loadedRuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[ruleKey(tenantID, merchantID)]
}

// Score evaluates one transaction and appends it to the ledger. The
// append happens after scoring so a transaction never counts itself in
// its own trailing window. Malformed input fails the request rather
// than defaulting.
func (e *Engine) Score(ctx context.Context, tx *domain.Transaction) (*domain.RiskResult, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = e.nowF()
	}

	// The window is anchored at the transaction's own timestamp, not
	// the wall clock, so backdated submissions still see the history
	// trailing them.
	window, err := e.repo.TransactionsSince(ctx, tx.TenantID, tx.SubjectID, tx.MerchantID, tx.Timestamp.Add(-historyWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger window: %w", err)
	}

	count := len(window)
	var sum float64
	for _, prior := range window {
		sum += prior.Amount
	}

	loaded := e.lookup(tx.TenantID, tx.MerchantID)

	result := &domain.RiskResult{}
	e.applyBuiltins(result, tx, loaded, count, sum)
	e.applyExtensions(result, tx, loaded, count, sum)
	result.RequiresStepUp = result.Score >= domain.StepUpThreshold

	if err := e.repo.AppendTransaction(ctx, tx.TenantID, tx); err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	return result, nil
}

// applyBuiltins runs the additive built-in rules. Each contributes
// independently; thresholds fall back to engine defaults when the
// merchant leaves them unset or has no configuration at all.
func (e *Engine) applyBuiltins(result *domain.RiskResult, tx *domain.Transaction, loaded *loadedRuleSet, count int, sum float64) {
	var cfg *domain.MerchantRuleSet
	if loaded != nil {
		cfg = loaded.config
	}

	highValue := e.defaults.HighValueAmount
	maxTxPerDay := e.defaults.MaxTxPerDay
	maxAmountPerDay := e.defaults.MaxAmountPerDay
	if cfg != nil {
		if cfg.HighValueAmount != nil {
			highValue = *cfg.HighValueAmount
		}
		if cfg.MaxTxPerDay != nil {
			maxTxPerDay = *cfg.MaxTxPerDay
		}
		if cfg.MaxAmountPerDay != nil {
			maxAmountPerDay = *cfg.MaxAmountPerDay
		}
	}

	if tx.Amount >= highValue {
		result.Score += 3
		result.Reasons = append(result.Reasons, "high_value_amount")
	}
	if count >= maxTxPerDay {
		result.Score += 2
		result.Reasons = append(result.Reasons, "tx_count_24h")
	}
	if sum+tx.Amount > maxAmountPerDay {
		result.Score += 2
		result.Reasons = append(result.Reasons, "amount_sum_24h")
	}

	if cfg == nil {
		return
	}
	if cfg.NewDevice && tx.DeviceID != "" {
		result.Score++
		result.Reasons = append(result.Reasons, "new_device")
	}
	if cfg.NewLocation && tx.Country != "" {
		result.Score++
		result.Reasons = append(result.Reasons, "new_location")
	}
	if cfg.SuspiciousMerchant {
		result.Score++
		result.Reasons = append(result.Reasons, "suspicious_merchant")
	}
}

// applyExtensions evaluates the merchant's compiled CEL extensions. An
// evaluation error skips the rule rather than failing the transaction.
func (e *Engine) applyExtensions(result *domain.RiskResult, tx *domain.Transaction, loaded *loadedRuleSet, count int, sum float64) {
	if loaded == nil || len(loaded.extensions) == 0 {
		return
	}

	activation := map[string]any{
		"amount":      tx.Amount,
		"count_24h":   int64(count),
		"sum_24h":     sum,
		"device_id":   tx.DeviceID,
		"country":     tx.Country,
		"merchant_id": tx.MerchantID,
		"subject_id":  tx.SubjectID,
	}

	for _, ext := range loaded.extensions {
		matched, err := ext.eval(activation)
		if err != nil {
			continue
		}
		if matched {
			result.Score += ext.rule.Points
			result.Reasons = append(result.Reasons, "ext:"+ext.rule.ID)
		}
	}
}

func (e *Engine) compile(rs *domain.MerchantRuleSet) (*loadedRuleSet, error) {
	loaded := &loadedRuleSet{config: rs}
	for i := range rs.Extensions {
		ext := &rs.Extensions[i]
		if !ext.Enabled {
			continue
		}
		compiled, err := e.exprEnv.compile(ext)
		if err != nil {
			return nil, err
		}
		loaded.extensions = append(loaded.extensions, compiled)
	}
	return loaded, nil
}
