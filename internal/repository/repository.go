// Package repository provides ledger persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers. The transactions table
// is append-only; rows are never updated or deleted.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// AppendTransaction stores a ledger entry with tenant isolation.
func (r *SQLRepository) AppendTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, subject_id, merchant_id, amount, currency,
			timestamp, created_at, device_id, country, email
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.SubjectID, tx.MerchantID,
		tx.Amount, tx.Currency,
		tx.Timestamp, tx.CreatedAt,
		tx.DeviceID, tx.Country, tx.Email,
	)
	return err
}

// GetTransaction retrieves a ledger entry by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_id, merchant_id, amount, currency,
			   timestamp, created_at, device_id, country, email
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.SubjectID, &tx.MerchantID,
		&tx.Amount, &tx.Currency,
		&tx.Timestamp, &tx.CreatedAt,
		&tx.DeviceID, &tx.Country, &tx.Email,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &tx, nil
}

// TransactionsSince retrieves the subject+merchant window with timestamp
// strictly after since. The strict inequality keeps a transaction out of
// its own 24h window when it is appended after scoring.
func (r *SQLRepository) TransactionsSince(ctx context.Context, tenantID, subjectID, merchantID string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_id, merchant_id, amount, currency,
			   timestamp, created_at, device_id, country, email
		FROM transactions
		WHERE tenant_id = ?
		  AND subject_id = ?
		  AND merchant_id = ?
		  AND timestamp > ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, subjectID, merchantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.SubjectID, &tx.MerchantID,
			&tx.Amount, &tx.Currency,
			&tx.Timestamp, &tx.CreatedAt,
			&tx.DeviceID, &tx.Country, &tx.Email,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveMerchantRules stores a merchant rule set with tenant isolation.
// The rule set body is stored as JSON; thresholds keep their unset
// state through the round trip.
func (r *SQLRepository) SaveMerchantRules(ctx context.Context, tenantID string, rs *domain.MerchantRuleSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rs.MerchantID == "" {
		return fmt.Errorf("%w: merchantId is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	rs.UpdatedAt = now

	config, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode rule set: %w", err)
	}

	query := `
		INSERT INTO merchant_rules (merchant_id, tenant_id, config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(merchant_id, tenant_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rs.MerchantID, tenantID, string(config), now,
	)
	return err
}

// GetMerchantRules retrieves a merchant rule set with tenant isolation.
func (r *SQLRepository) GetMerchantRules(ctx context.Context, tenantID string, merchantID string) (*domain.MerchantRuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT config FROM merchant_rules
		WHERE tenant_id = ? AND merchant_id = ?
	`

	var config string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, merchantID).Scan(&config)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rs domain.MerchantRuleSet
	if err := json.Unmarshal([]byte(config), &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule set for %s: %w", merchantID, err)
	}

	return &rs, nil
}

// ListMerchantRules retrieves all merchant rule sets for a tenant.
func (r *SQLRepository) ListMerchantRules(ctx context.Context, tenantID string) ([]*domain.MerchantRuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT config FROM merchant_rules
		WHERE tenant_id = ?
		ORDER BY merchant_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ruleSets []*domain.MerchantRuleSet
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, err
		}

		var rs domain.MerchantRuleSet
		if err := json.Unmarshal([]byte(config), &rs); err != nil {
			return nil, fmt.Errorf("failed to parse rule set: %w", err)
		}
		ruleSets = append(ruleSets, &rs)
	}

	return ruleSets, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
