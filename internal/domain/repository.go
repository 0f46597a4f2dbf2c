package domain

import (
	"context"
	"time"
)

// OrderRepository defines persistence for generation orders. Create is the
// sole idempotency gate and UpdateStatus the sole concurrency primitive:
// every mutation after the initial insert goes through a status-guarded
// conditional update.
type OrderRepository interface {
	// Create inserts the draft with status Created. When the unique
	// (user_id, biz_no) constraint fires it returns the existing row and
	// isNew=false instead of an error.
	Create(ctx context.Context, draft *Order) (isNew bool, order *Order, err error)

	// UpdateStatus applies the transition and patch only when the row's
	// current status is one of expected. A lost race returns ok=false with
	// a nil error; the caller re-reads authoritative state.
	UpdateStatus(ctx context.Context, orderID string, next OrderStatus, expected []OrderStatus, patch OrderPatch) (order *Order, ok bool, err error)

	// ClaimLease takes over a processing order whose lease has expired.
	// It succeeds for at most one caller per expiry.
	ClaimLease(ctx context.Context, orderID, owner string, until time.Time) (ok bool, err error)

	GetByID(ctx context.Context, orderID string) (*Order, error)
	GetByUserAndBizNo(ctx context.Context, userID, bizNo string) (*Order, error)
	ListByUser(ctx context.Context, userID string, kind OrderKind, page, limit int) ([]Order, error)
}

// CreditLedger is the consumed interface of the billing side. Decrement is
// atomic with respect to the balance check but deliberately not atomic with
// any order update; the state machine reconciles via guarded transitions.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int, error)
	// Decrement fails with ErrInsufficientCredits when the balance cannot
	// cover the amount. At most one decrement ever succeeds per reference;
	// a repeat call with the same reference bills nothing and returns the
	// original transaction id. The state machine passes the order id as
	// the reference, which is what makes billing at-most-once even when
	// two requests race past the same Created status read.
	Decrement(ctx context.Context, userID string, amount int, reference string) (transactionID string, err error)
}
