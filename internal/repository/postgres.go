package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres opens the shared ledger database for Pro deployments.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslMode := cfg.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	parts := []string{
		"host=" + host,
		fmt.Sprintf("port=%d", port),
		"dbname=" + dbname,
		"sslmode=" + sslMode,
	}
	// Omitted credentials fall through to lib/pq's own resolution
	// (PG* environment, OS user).
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+cfg.PostgresUser)
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+cfg.PostgresPassword)
	}

	db, err := sql.Open("postgres", strings.Join(parts, " "))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
