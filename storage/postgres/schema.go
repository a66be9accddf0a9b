package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username        TEXT PRIMARY KEY,
	pin_hash        TEXT NOT NULL,
	role            TEXT NOT NULL,
	voiceprints     JSONB NOT NULL,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	locked_until    TIMESTAMPTZ,
	last_login_at   TIMESTAMPTZ,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS challenges (
	username   TEXT PRIMARY KEY,
	phrase     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS login_attempts (
	id             UUID PRIMARY KEY,
	username       TEXT NOT NULL,
	account_exists BOOLEAN NOT NULL,
	success        BOOLEAN NOT NULL,
	reason         TEXT NOT NULL,
	client_ip      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS login_attempts_created_at_idx
	ON login_attempts (created_at DESC);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// DropSchema removes all tables. Used by the "db reset" command.
func DropSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx,
		`DROP TABLE IF EXISTS login_attempts, challenges, accounts`); err != nil {
		return fmt.Errorf("dropping schema: %w", err)
	}
	return nil
}
