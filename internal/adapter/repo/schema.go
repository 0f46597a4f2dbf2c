package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is idempotent and applied at startup. The unique constraint on
// (user_id, biz_no) is the idempotency gate for order creation; it must be
// store-enforced, not application logic.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS gen_orders (
    id                     UUID PRIMARY KEY,
    user_id                TEXT NOT NULL,
    biz_no                 TEXT NOT NULL,
    kind                   TEXT NOT NULL,
    provider               TEXT NOT NULL,
    model                  TEXT NOT NULL,
    prompt                 TEXT NOT NULL,
    options                JSONB NOT NULL DEFAULT '{}',
    credits_cost           INT NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL,
    result_urls            TEXT[] NOT NULL DEFAULT '{}',
    result_data            JSONB,
    credits_transaction_id TEXT NOT NULL DEFAULT '',
    retry_count            INT NOT NULL DEFAULT 0,
    error_message          TEXT NOT NULL DEFAULT '',
    lease_owner            TEXT NOT NULL DEFAULT '',
    lease_expires_at       TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at           TIMESTAMPTZ,
    CONSTRAINT gen_orders_user_biz UNIQUE (user_id, biz_no)
);

CREATE INDEX IF NOT EXISTS gen_orders_user_created_idx
    ON gen_orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id    TEXT PRIMARY KEY,
    balance    INT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    amount     INT NOT NULL,
    reference  TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the tables used by the order store and credit ledger.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
