package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the broker tables. Usage is kept as TEXT rather
// than JSONB so that a corrupt document can still be stored, read back and
// repaired by the reconciliation sweep.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id              UUID PRIMARY KEY,
		provider        TEXT NOT NULL,
		label           TEXT NOT NULL DEFAULT '',
		sealed_secret   TEXT NOT NULL,
		fingerprint     TEXT NOT NULL,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		priority        INTEGER NOT NULL DEFAULT 100,
		tenant_id       UUID NULL,
		disabled_reason TEXT NULL,
		disabled_at     TIMESTAMPTZ NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credentials_fingerprint_idx ON credentials (provider, fingerprint)`,
	`CREATE INDEX IF NOT EXISTS credentials_tenant_idx ON credentials (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS model_bindings (
		id            UUID PRIMARY KEY,
		credential_id UUID NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
		model_name    TEXT NOT NULL,
		capabilities  TEXT[] NOT NULL DEFAULT '{}',
		is_enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		priority      INTEGER NOT NULL DEFAULT 100,
		usage         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (credential_id, model_name)
	)`,
	`CREATE INDEX IF NOT EXISTS model_bindings_model_idx ON model_bindings (model_name)`,
	`CREATE TABLE IF NOT EXISTS binding_exclusions (
		binding_id  UUID PRIMARY KEY REFERENCES model_bindings(id) ON DELETE CASCADE,
		reason      TEXT NOT NULL,
		excluded_at TIMESTAMPTZ NOT NULL,
		retry_at    TIMESTAMPTZ NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS binding_exclusions_retry_idx ON binding_exclusions (retry_at)`,
}

// Migrate creates the broker schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}
