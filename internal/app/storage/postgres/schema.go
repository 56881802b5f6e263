package postgres

import (
	"context"
	"database/sql"
)

// schema holds the five treasury tables. The transaction shape CHECK mirrors
// ledger.Transaction.ValidateShape as a storage-level backstop, and the
// partial unique index is the idempotency key for allocation fan-outs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS treasury_accounts (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		acct_type   TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		balance     NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS treasury_transactions (
		id           TEXT PRIMARY KEY,
		tx_type      TEXT NOT NULL,
		status       TEXT NOT NULL,
		amount       NUMERIC(20,2) NOT NULL CHECK (amount >= 0),
		from_account TEXT REFERENCES treasury_accounts(id),
		to_account   TEXT REFERENCES treasury_accounts(id),
		parent_id    TEXT REFERENCES treasury_transactions(id),
		external_ref TEXT,
		metadata     JSONB,
		actor        TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		CONSTRAINT treasury_tx_shape CHECK (
			(tx_type = 'EXTERNAL_DEPOSIT' AND from_account IS NULL AND to_account IS NOT NULL)
			OR (tx_type = 'EXTERNAL_WITHDRAWAL' AND from_account IS NOT NULL AND to_account IS NULL)
			OR (tx_type NOT IN ('EXTERNAL_DEPOSIT', 'EXTERNAL_WITHDRAWAL') AND from_account IS NOT NULL AND to_account IS NOT NULL)
		)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS treasury_allocation_idem
		ON treasury_transactions (parent_id, to_account)
		WHERE tx_type = 'INTERNAL_ALLOCATION'`,
	`CREATE INDEX IF NOT EXISTS treasury_tx_created_at
		ON treasury_transactions (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS allocation_rules (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		priority    INTEGER NOT NULL DEFAULT 100,
		splits      JSONB NOT NULL,
		min_amount  NUMERIC(20,2),
		max_amount  NUMERIC(20,2),
		description TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_log (
		id               TEXT PRIMARY KEY,
		external_balance NUMERIC(20,2) NOT NULL,
		internal_balance NUMERIC(20,2) NOT NULL,
		discrepancy      NUMERIC(20,2) NOT NULL,
		discrepancy_pct  NUMERIC(12,4) NOT NULL,
		status           TEXT NOT NULL,
		source           TEXT NOT NULL DEFAULT '',
		notes            TEXT NOT NULL DEFAULT '',
		resolution       TEXT NOT NULL DEFAULT '',
		resolved_by      TEXT NOT NULL DEFAULT '',
		resolved_at      TIMESTAMPTZ,
		actor            TEXT NOT NULL DEFAULT '',
		computed_at      TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		before      JSONB,
		after       JSONB,
		actor       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the treasury tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
