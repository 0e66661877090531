package store

import (
	"context"
	"fmt"
)

// schema is applied statement by statement on startup. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		token      TEXT PRIMARY KEY,
		remote_id  TEXT NOT NULL UNIQUE,
		handle     TEXT NOT NULL DEFAULT '',
		plan       TEXT NOT NULL DEFAULT 'free' CHECK (plan IN ('free', 'lifetime')),
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		credential BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id              BIGSERIAL PRIMARY KEY,
		token           TEXT NOT NULL REFERENCES accounts (token) ON UPDATE CASCADE,
		kind            TEXT NOT NULL,
		target_id       TEXT NOT NULL,
		credit_delta    BIGINT NOT NULL,
		idempotency_key TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (token, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_token_created ON actions (token, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_requests (
		id         BIGSERIAL PRIMARY KEY,
		token      TEXT NOT NULL REFERENCES accounts (token) ON UPDATE CASCADE,
		plan       TEXT NOT NULL CHECK (plan IN ('starter', 'lifetime')),
		txn_id     TEXT NOT NULL UNIQUE,
		status     TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
		note       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_requests_token ON payment_requests (token, created_at DESC)`,
}

// EnsureSchema creates the accounts, actions and payment_requests tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
