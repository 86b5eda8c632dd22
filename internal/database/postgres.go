// Package database owns the Postgres connection and the schema bootstrap.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultMaxConns = 20
	pingTimeout     = 5 * time.Second
)

// Open connects, configures the pool, and verifies the connection with a
// bounded ping.
func Open(ctx context.Context, url string, maxConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("postgres connected", "max_conns", maxConns)
	return db, nil
}

// Tables lists every relation the stores expect. cmd/verify-schema checks
// these exist.
var Tables = []string{
	"users",
	"sessions",
	"reset_tokens",
	"verification_tokens",
	"samples",
	"storage_locations",
	"storage_containers",
	"saga_instances",
	"audit_log",
}

// schema is idempotent: every statement is IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		failed_login_attempts INT NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		last_login TIMESTAMPTZ,
		password_changed_at TIMESTAMPTZ NOT NULL,
		profile JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		refresh_token_hash TEXT NOT NULL DEFAULT '',
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions (user_id)`,
	`CREATE INDEX IF NOT EXISTS sessions_refresh_idx ON sessions (refresh_token_hash)`,
	`CREATE TABLE IF NOT EXISTS reset_tokens (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS verification_tokens (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		barcode TEXT NOT NULL UNIQUE,
		sample_type TEXT NOT NULL,
		status TEXT NOT NULL,
		template_id TEXT,
		concentration DOUBLE PRECISION NOT NULL DEFAULT 0,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT '',
		quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		location_id TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS samples_status_idx ON samples (status)`,
	`CREATE TABLE IF NOT EXISTS storage_locations (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		zone TEXT NOT NULL,
		capacity INT NOT NULL,
		used INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS storage_containers (
		id UUID PRIMARY KEY,
		location_id UUID NOT NULL REFERENCES storage_locations(id),
		sample_id UUID NOT NULL UNIQUE,
		required_zone TEXT NOT NULL,
		position TEXT NOT NULL DEFAULT '',
		stored_at TIMESTAMPTZ NOT NULL,
		stored_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS containers_location_idx ON storage_containers (location_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS containers_position_idx ON storage_containers (location_id, position)
		WHERE position <> ''`,
	`CREATE TABLE IF NOT EXISTS saga_instances (
		id TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		state TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		context_data JSONB,
		steps JSONB,
		compensations JSONB,
		current_step INT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS saga_state_idx ON saga_instances (state)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		sequence BIGINT NOT NULL,
		before JSONB,
		after JSONB,
		correlation_id TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		UNIQUE (entity_type, entity_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entity_idx ON audit_log (entity_type, entity_id, sequence)`,
}

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TableExists checks the catalog for a relation.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	return exists, err
}
