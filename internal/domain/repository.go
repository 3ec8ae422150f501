// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists the transaction ledger and merchant rule sets.
// All methods require tenantID for strict multi-tenancy isolation.
// Ledger entries are append-only and never mutated.
type Repository interface {
	// Ledger operations
	AppendTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	// TransactionsSince returns the subject+merchant window with
	// timestamp strictly after since, oldest first.
	TransactionsSince(ctx context.Context, tenantID, subjectID, merchantID string, since time.Time) ([]*Transaction, error)

	// Merchant rule configuration
	SaveMerchantRules(ctx context.Context, tenantID string, rs *MerchantRuleSet) error
	GetMerchantRules(ctx context.Context, tenantID string, merchantID string) (*MerchantRuleSet, error)
	ListMerchantRules(ctx context.Context, tenantID string) ([]*MerchantRuleSet, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
