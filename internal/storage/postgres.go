/**
 * PostgreSQL quota store
 *
 * One row per quota scope. The month-aware increment is a single UPSERT,
 * so concurrent gateway replicas share one consistent counter.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/lib/pq"
)

const quotaSchema = `
	CREATE TABLE IF NOT EXISTS ocr_quota_usage (
		scope      TEXT PRIMARY KEY,
		month      CHAR(7) NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// PostgresQuotaStore persists quota counters in PostgreSQL
type PostgresQuotaStore struct {
	db *sql.DB
}

// NewPostgresQuotaStore opens a pooled connection and verifies it
func NewPostgresQuotaStore(databaseURL string) (*PostgresQuotaStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresQuotaStore{db: db}, nil
}

// NewPostgresQuotaStoreFromDB wraps an already opened handle
func NewPostgresQuotaStoreFromDB(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

// EnsureSchema creates the quota table when missing
func (p *PostgresQuotaStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, quotaSchema); err != nil {
		return fmt.Errorf("failed to create quota table: %w", describePQError(err))
	}
	return nil
}

func (p *PostgresQuotaStore) Load(ctx context.Context, scope string) (quota.Record, error) {
	var rec quota.Record
	err := p.db.QueryRowContext(ctx,
		`SELECT month, used FROM ocr_quota_usage WHERE scope = $1`, scope,
	).Scan(&rec.Month, &rec.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Record{}, nil
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("failed to load quota %s: %w", scope, describePQError(err))
	}
	return rec, nil
}

func (p *PostgresQuotaStore) Add(ctx context.Context, scope, month string, n int) (quota.Record, error) {
	query := `
		INSERT INTO ocr_quota_usage (scope, month, used, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope) DO UPDATE SET
			used = CASE
				WHEN ocr_quota_usage.month = EXCLUDED.month THEN ocr_quota_usage.used + EXCLUDED.used
				ELSE EXCLUDED.used
			END,
			month = EXCLUDED.month,
			updated_at = NOW()
		RETURNING month, used
	`

	var rec quota.Record
	if err := p.db.QueryRowContext(ctx, query, scope, month, n).Scan(&rec.Month, &rec.Used); err != nil {
		return quota.Record{}, fmt.Errorf("failed to add quota usage for %s: %w", scope, describePQError(err))
	}
	return rec, nil
}

func (p *PostgresQuotaStore) Save(ctx context.Context, scope string, rec quota.Record) error {
	query := `
		INSERT INTO ocr_quota_usage (scope, month, used, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope) DO UPDATE SET
			month = EXCLUDED.month,
			used = EXCLUDED.used,
			updated_at = NOW()
	`

	if _, err := p.db.ExecContext(ctx, query, scope, rec.Month, sanitizeUsed(rec.Used)); err != nil {
		return fmt.Errorf("failed to save quota %s: %w", scope, describePQError(err))
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresQuotaStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresQuotaStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// sanitizeUsed keeps writes inside the table's CHECK constraint
func sanitizeUsed(used int) int {
	if used < 0 {
		return 0
	}
	return used
}

// describePQError surfaces the SQLSTATE code of driver errors
func describePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (sqlstate %s): %w", pqErr.Message, pqErr.Code, err)
	}
	return err
}
