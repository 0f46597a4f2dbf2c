package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"genorder/internal/domain"
)

const uniqueViolation = "23505"

const orderColumns = `id, user_id, biz_no, kind, provider, model, prompt, options, credits_cost, status,
result_urls, result_data, credits_transaction_id, retry_count, error_message,
lease_owner, lease_expires_at, created_at, updated_at, completed_at`

// OrderRepositoryPG implements domain.OrderRepository on PostgreSQL.
type OrderRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates an order repository backed by the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepositoryPG {
	return &OrderRepositoryPG{pool: pool}
}

// Create inserts the draft order. A unique violation on (user_id, biz_no)
// is not an error: the existing row is fetched and returned with isNew=false.
func (r *OrderRepositoryPG) Create(ctx context.Context, draft *domain.Order) (bool, *domain.Order, error) {
	options, err := json.Marshal(draft.Options)
	if err != nil {
		return false, nil, fmt.Errorf("encode options: %w", err)
	}
	query := `
INSERT INTO gen_orders (id, user_id, biz_no, kind, provider, model, prompt, options, credits_cost, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + orderColumns + `;
`
	row := r.pool.QueryRow(ctx, query,
		draft.ID,
		draft.UserID,
		draft.BizNo,
		draft.Kind,
		draft.Provider,
		draft.Model,
		draft.Prompt,
		options,
		draft.CreditsCost,
		domain.OrderStatusCreated,
	)
	order, err := scanOrder(row)
	if err == nil {
		return true, order, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false, nil, fmt.Errorf("insert order: %w", err)
	}

	existing, err := r.GetByUserAndBizNo(ctx, draft.UserID, draft.BizNo)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// UpdateStatus performs the conditional transition in a single round trip:
// the row moves to next only while its status is one of expected. A lost
// race surfaces as ok=false, never as an error.
func (r *OrderRepositoryPG) UpdateStatus(ctx context.Context, orderID string, next domain.OrderStatus, expected []domain.OrderStatus, patch domain.OrderPatch) (*domain.Order, bool, error) {
	query, args := buildStatusUpdate(orderID, next, expected, patch)
	row := r.pool.QueryRow(ctx, query, args...)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update order status: %w", err)
	}
	return order, true, nil
}

// buildStatusUpdate assembles the guarded UPDATE. Only non-nil patch fields
// are included in the SET list.
func buildStatusUpdate(orderID string, next domain.OrderStatus, expected []domain.OrderStatus, patch domain.OrderPatch) (string, []any) {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []any{next}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.CreditsTransactionID != nil {
		add("credits_transaction_id", *patch.CreditsTransactionID)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.ResultURLs != nil {
		add("result_urls", patch.ResultURLs)
	}
	if patch.ResultData != nil {
		add("result_data", []byte(patch.ResultData))
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.LeaseOwner != nil {
		add("lease_owner", *patch.LeaseOwner)
	}
	if patch.LeaseExpiresAt != nil {
		add("lease_expires_at", *patch.LeaseExpiresAt)
	}

	statuses := make([]string, 0, len(expected))
	for _, s := range expected {
		statuses = append(statuses, string(s))
	}
	args = append(args, orderID, statuses)

	query := fmt.Sprintf(`
UPDATE gen_orders
SET %s
WHERE id = $%d AND status = ANY($%d)
RETURNING %s;
`, strings.Join(sets, ",\n    "), len(args)-1, len(args), orderColumns)
	return query, args
}

// ClaimLease takes over a processing order whose lease has lapsed. The
// WHERE clause makes the takeover single-winner.
func (r *OrderRepositoryPG) ClaimLease(ctx context.Context, orderID, owner string, until time.Time) (bool, error) {
	query := `
UPDATE gen_orders
SET lease_owner = $2,
    lease_expires_at = $3,
    updated_at = NOW()
WHERE id = $1
  AND status = $4
  AND (lease_expires_at IS NULL OR lease_expires_at < NOW());
`
	tag, err := r.pool.Exec(ctx, query, orderID, owner, until, domain.OrderStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID fetches an order by its identifier.
func (r *OrderRepositoryPG) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM gen_orders WHERE id = $1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// GetByUserAndBizNo fetches an order by its idempotency key.
func (r *OrderRepositoryPG) GetByUserAndBizNo(ctx context.Context, userID, bizNo string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM gen_orders WHERE user_id = $1 AND biz_no = $2;`
	order, err := scanOrder(r.pool.QueryRow(ctx, query, userID, bizNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get order by biz_no: %w", err)
	}
	return order, nil
}

// ListByUser returns the user's orders newest first. Page and limit are
// clamped defensively.
func (r *OrderRepositoryPG) ListByUser(ctx context.Context, userID string, kind domain.OrderKind, page, limit int) ([]domain.Order, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := `SELECT ` + orderColumns + `
FROM gen_orders
WHERE user_id = $1 AND ($2 = '' OR kind = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;`
	rows, err := r.pool.Query(ctx, query, userID, string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order   domain.Order
		options []byte
		result  []byte
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.BizNo,
		&order.Kind,
		&order.Provider,
		&order.Model,
		&order.Prompt,
		&options,
		&order.CreditsCost,
		&order.Status,
		&order.ResultURLs,
		&result,
		&order.CreditsTransactionID,
		&order.RetryCount,
		&order.ErrorMessage,
		&order.LeaseOwner,
		&order.LeaseExpiresAt,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.CompletedAt,
	); err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &order.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(result) > 0 {
		order.ResultData = json.RawMessage(result)
	}
	return &order, nil
}
