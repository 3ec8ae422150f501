package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    device_id TEXT,
    country TEXT,
    email TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_window ON transactions(tenant_id, subject_id, merchant_id, timestamp);
`

const schemaMerchantRules = `
CREATE TABLE IF NOT EXISTS merchant_rules (
    merchant_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (merchant_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_merchant_rules_tenant ON merchant_rules(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaMerchantRules,
	}
}
