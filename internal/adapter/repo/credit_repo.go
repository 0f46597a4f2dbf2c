package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genorder/internal/domain"
)

// CreditLedgerPG implements domain.CreditLedger on PostgreSQL.
type CreditLedgerPG struct {
	pool *pgxpool.Pool
}

// NewCreditLedger creates a credit ledger backed by the given pool.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool}
}

// Balance returns the user's current credit balance. Unknown users hold a
// zero balance rather than an error.
func (r *CreditLedgerPG) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1;`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Decrement withdraws amount from the user's balance and records a ledger
// transaction keyed by reference. The unique index on reference makes the
// withdrawal at-most-once: a second call for the same reference inserts
// nothing, touches no balance, and returns the original transaction id.
func (r *CreditLedgerPG) Decrement(ctx context.Context, userID string, amount int, reference string) (string, error) {
	if amount <= 0 {
		return "", nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin decrement: %w", err)
	}
	defer tx.Rollback(ctx)

	transactionID := uuid.NewString()
	tag, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, reference)
VALUES ($1, $2, $3, $4)
ON CONFLICT (reference) DO NOTHING;
`, transactionID, userID, -amount, reference)
	if err != nil {
		return "", fmt.Errorf("record transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already billed for this reference by a concurrent request.
		var existing string
		if err := tx.QueryRow(ctx,
			`SELECT id FROM credit_transactions WHERE reference = $1;`, reference,
		).Scan(&existing); err != nil {
			return "", fmt.Errorf("load existing transaction: %w", err)
		}
		return existing, nil
	}

	tag, err = tx.Exec(ctx, `
UPDATE credit_accounts
SET balance = balance - $2,
    updated_at = NOW()
WHERE user_id = $1 AND balance >= $2;
`, userID, amount)
	if err != nil {
		return "", fmt.Errorf("decrement balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Rolls back the transaction row as well; nothing was billed.
		return "", domain.ErrInsufficientCredits
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit decrement: %w", err)
	}
	return transactionID, nil
}

// Grant adds credits to the user's account, creating it when absent. Used
// by the credits CLI; the submission pipeline never grants.
func (r *CreditLedgerPG) Grant(ctx context.Context, userID string, amount int, reference string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("grant amount must be positive")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = credit_accounts.balance + EXCLUDED.balance,
    updated_at = NOW();
`, userID, amount); err != nil {
		return "", fmt.Errorf("grant balance: %w", err)
	}

	transactionID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, reference)
VALUES ($1, $2, $3, $4);
`, transactionID, userID, amount, reference); err != nil {
		return "", fmt.Errorf("record transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit grant: %w", err)
	}
	return transactionID, nil
}
