package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"genorder/internal/domain"
)

// memStore is a CAS-faithful in-memory order store. Every mutation honors
// the same guards as the SQL implementation and the full status history is
// recorded so tests can audit that transitions only move forward.
type memStore struct {
	mu      sync.Mutex
	byID    map[string]*domain.Order
	history map[string][]domain.OrderStatus
}

func newMemStore() *memStore {
	return &memStore{
		byID:    make(map[string]*domain.Order),
		history: make(map[string][]domain.OrderStatus),
	}
}

func (s *memStore) key(userID, bizNo string) string { return userID + "\x00" + bizNo }

func (s *memStore) Create(_ context.Context, draft *domain.Order) (bool, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byID {
		if o.UserID == draft.UserID && o.BizNo == draft.BizNo {
			return false, copyOrder(o), nil
		}
	}
	order := copyOrder(draft)
	order.Status = domain.OrderStatusCreated
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	s.byID[order.ID] = order
	s.history[order.ID] = []domain.OrderStatus{domain.OrderStatusCreated}
	return true, copyOrder(order), nil
}

func (s *memStore) UpdateStatus(_ context.Context, orderID string, next domain.OrderStatus, expected []domain.OrderStatus, patch domain.OrderPatch) (*domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.byID[orderID]
	if !ok {
		return nil, false, nil
	}
	matched := false
	for _, status := range expected {
		if order.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, false, nil
	}
	order.Status = next
	order.UpdatedAt = time.Now()
	if patch.CreditsTransactionID != nil {
		order.CreditsTransactionID = *patch.CreditsTransactionID
	}
	if patch.RetryCount != nil {
		order.RetryCount = *patch.RetryCount
	}
	if patch.ResultURLs != nil {
		order.ResultURLs = append([]string(nil), patch.ResultURLs...)
	}
	if patch.ResultData != nil {
		order.ResultData = append([]byte(nil), patch.ResultData...)
	}
	if patch.ErrorMessage != nil {
		order.ErrorMessage = *patch.ErrorMessage
	}
	if patch.CompletedAt != nil {
		completed := *patch.CompletedAt
		order.CompletedAt = &completed
	}
	if patch.LeaseOwner != nil {
		order.LeaseOwner = *patch.LeaseOwner
	}
	if patch.LeaseExpiresAt != nil {
		until := *patch.LeaseExpiresAt
		order.LeaseExpiresAt = &until
	}
	s.history[orderID] = append(s.history[orderID], next)
	return copyOrder(order), true, nil
}

func (s *memStore) ClaimLease(_ context.Context, orderID, owner string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.byID[orderID]
	if !ok || order.Status != domain.OrderStatusProcessing {
		return false, nil
	}
	if !order.LeaseExpired(time.Now()) {
		return false, nil
	}
	order.LeaseOwner = owner
	deadline := until
	order.LeaseExpiresAt = &deadline
	return true, nil
}

func (s *memStore) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.byID[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOrder(order), nil
}

func (s *memStore) GetByUserAndBizNo(_ context.Context, userID, bizNo string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byID {
		if o.UserID == userID && o.BizNo == bizNo {
			return copyOrder(o), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) ListByUser(_ context.Context, userID string, kind domain.OrderKind, page, limit int) ([]domain.Order, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []domain.Order
	for _, o := range s.byID {
		if o.UserID != userID {
			continue
		}
		if kind != "" && o.Kind != kind {
			continue
		}
		orders = append(orders, *copyOrder(o))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= len(orders) {
		return nil, nil
	}
	end := start + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[start:end], nil
}

// put seeds an order directly, bypassing the pipeline.
func (s *memStore) put(order *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := copyOrder(order)
	s.byID[o.ID] = o
	s.history[o.ID] = []domain.OrderStatus{o.Status}
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *memStore) statusOf(t *testing.T, orderID string) domain.OrderStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.byID[orderID]
	require.True(t, ok, "order %s not in store", orderID)
	return order.Status
}

// assertForwardOnly audits every recorded transition against the legal
// edges of the state machine.
func (s *memStore) assertForwardOnly(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, history := range s.history {
		for i := 1; i < len(history); i++ {
			assert.True(t, domain.CanTransition(history[i-1], history[i]),
				"order %s made illegal transition %s -> %s", id, history[i-1], history[i])
		}
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	dup := *o
	dup.ResultURLs = append([]string(nil), o.ResultURLs...)
	dup.ResultData = append([]byte(nil), o.ResultData...)
	if o.LeaseExpiresAt != nil {
		v := *o.LeaseExpiresAt
		dup.LeaseExpiresAt = &v
	}
	if o.CompletedAt != nil {
		v := *o.CompletedAt
		dup.CompletedAt = &v
	}
	if o.Options != nil {
		dup.Options = make(map[string]any, len(o.Options))
		for k, v := range o.Options {
			dup.Options[k] = v
		}
	}
	return &dup
}

// memLedger mirrors the SQL ledger: the balance guard and the per-reference
// idempotency both live inside the mutex.
type memLedger struct {
	mu          sync.Mutex
	balances    map[string]int
	byReference map[string]string
	decrements  int
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]int), byReference: make(map[string]string)}
}

func (l *memLedger) Balance(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *memLedger) Decrement(_ context.Context, userID string, amount int, reference string) (string, error) {
	if amount <= 0 {
		return "", nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byReference[reference]; ok {
		return id, nil
	}
	if l.balances[userID] < amount {
		return "", domain.ErrInsufficientCredits
	}
	l.balances[userID] -= amount
	id := uuid.NewString()
	l.byReference[reference] = id
	l.decrements++
	return id, nil
}

func (l *memLedger) balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *memLedger) decrementCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decrements
}

type stubInvoker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req InvokeRequest) ([]Artifact, error)
}

func (i *stubInvoker) Invoke(ctx context.Context, req InvokeRequest) ([]Artifact, error) {
	i.mu.Lock()
	i.calls++
	fn := i.fn
	i.mu.Unlock()
	if fn == nil {
		return []Artifact{{URL: "https://cdn.example/" + uuid.NewString() + ".png"}}, nil
	}
	return fn(ctx, req)
}

func (i *stubInvoker) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

func newTestService(store *memStore, ledger *memLedger, invoker Invoker) *Service {
	return NewService(store, ledger, invoker, zerolog.Nop(), Options{
		LeaseTTL:     5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
}

func imageRequest(userID, bizNo string, credits int) SubmitRequest {
	return SubmitRequest{
		UserID:          userID,
		BizNo:           bizNo,
		Kind:            domain.OrderKindImage,
		Provider:        "tuzi",
		Model:           "flux-schnell",
		Prompt:          "cat",
		Options:         map[string]any{"size": "1024x1024"},
		CreditsRequired: credits,
	}
}

func TestSubmitValidation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newMemLedger(), &stubInvoker{})
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*SubmitRequest)
		wantErr error
	}{
		{"missing user", func(r *SubmitRequest) { r.UserID = "" }, domain.ErrUnauthenticated},
		{"missing prompt", func(r *SubmitRequest) { r.Prompt = "  " }, domain.ErrInvalidRequest},
		{"missing biz_no", func(r *SubmitRequest) { r.BizNo = "" }, domain.ErrInvalidRequest},
		{"bad kind", func(r *SubmitRequest) { r.Kind = "audio" }, domain.ErrInvalidRequest},
		{"negative credits", func(r *SubmitRequest) { r.CreditsRequired = -1 }, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := imageRequest("user-1", "biz-1", 10)
			tt.mutate(&req)
			res, err := svc.Submit(ctx, req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, store.count(), "rejected requests must leave no orders behind")
}

func TestSubmitInsufficientCredits(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 5
	svc := newTestService(store, ledger, &stubInvoker{})

	res, err := svc.Submit(context.Background(), imageRequest("user-1", "t1", 10))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, domain.ErrInsufficientCredits)
	assert.Equal(t, 0, res.CreditsConsumed)
	assert.Equal(t, domain.OrderStatusCreated, store.statusOf(t, res.OrderID),
		"order stays retryable after a balance failure")
	assert.Equal(t, 5, ledger.balance("user-1"), "nothing was billed")
	assert.Equal(t, 0, ledger.decrementCount())
}

func TestSubmitSuccessAndIdempotentResubmit(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 25
	invoker := &stubInvoker{fn: func(context.Context, InvokeRequest) ([]Artifact, error) {
		return []Artifact{{URL: "https://cdn.example/a.png"}, {Location: "https://cdn.example/b.png"}}, nil
	}}
	svc := newTestService(store, ledger, invoker)
	ctx := context.Background()

	first, err := svc.Submit(ctx, imageRequest("user-1", "t2", 10))
	require.NoError(t, err)
	require.True(t, first.Success, "submit failed: %v", first.Err)

	assert.False(t, first.IsRetry)
	assert.Equal(t, 10, first.CreditsConsumed)
	assert.Equal(t, []string{"https://cdn.example/a.png", "https://cdn.example/b.png"}, first.ResultURLs)
	assert.Equal(t, 15, ledger.balance("user-1"))

	stored, err := store.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSuccess, stored.Status)
	assert.NotEmpty(t, stored.ResultURLs, "result urls must be persisted on success")
	assert.NotEmpty(t, stored.CreditsTransactionID)
	assert.NotNil(t, stored.CompletedAt)

	second, err := svc.Submit(ctx, imageRequest("user-1", "t2", 10))
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.True(t, second.IsRetry)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.ResultURLs, second.ResultURLs)
	assert.Equal(t, 15, ledger.balance("user-1"), "resubmit must not bill again")
	assert.Equal(t, 1, invoker.callCount(), "resubmit must not invoke again")
	assert.Equal(t, 1, store.count())
	store.assertForwardOnly(t)
}

func TestSubmitFailureThenRetry(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 25
	invoker := &stubInvoker{fn: func(context.Context, InvokeRequest) ([]Artifact, error) {
		return nil, errors.New("upstream exploded")
	}}
	svc := newTestService(store, ledger, invoker)
	ctx := context.Background()

	first, err := svc.Submit(ctx, imageRequest("user-1", "t3", 10))
	require.NoError(t, err)
	require.False(t, first.Success)

	assert.ErrorIs(t, first.Err, domain.ErrProviderFailure)
	assert.Equal(t, 10, first.CreditsConsumed, "credits stay deducted on generation failure")
	stored, err := store.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "upstream exploded")
	assert.NotNil(t, stored.CompletedAt)

	invoker.mu.Lock()
	invoker.fn = func(context.Context, InvokeRequest) ([]Artifact, error) {
		return []Artifact{{URL: "https://cdn.example/retry.png"}}, nil
	}
	invoker.mu.Unlock()

	second, err := svc.Submit(ctx, imageRequest("user-1", "t3", 10))
	require.NoError(t, err)
	require.True(t, second.Success, "retry failed: %v", second.Err)

	assert.True(t, second.IsRetry)
	assert.Equal(t, first.OrderID, second.OrderID)
	stored, err = store.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, 1, ledger.decrementCount(), "a retried order is billed once, ever")
	store.assertForwardOnly(t)
}

func TestConcurrentSubmissionsBillOnce(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 100
	invoker := &stubInvoker{fn: func(ctx context.Context, _ InvokeRequest) ([]Artifact, error) {
		time.Sleep(20 * time.Millisecond)
		return []Artifact{{URL: "https://cdn.example/t4.png"}}, nil
	}}
	svc := newTestService(store, ledger, invoker)

	const parallel = 8
	results := make([]*Result, parallel)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < parallel; i++ {
		i := i
		g.Go(func() error {
			res, err := svc.Submit(ctx, imageRequest("user-1", "t4", 10))
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	require.NoError(t, g.Wait())

	orderID := results[0].OrderID
	for i, res := range results {
		require.True(t, res.Success, "submission %d failed: %v", i, res.Err)
		assert.Equal(t, orderID, res.OrderID, "all submissions resolve to the same order")
		assert.Equal(t, []string{"https://cdn.example/t4.png"}, res.ResultURLs)
	}
	assert.Equal(t, 1, store.count(), "exactly one row per (user, bizNo)")
	assert.Equal(t, 1, ledger.decrementCount(), "exactly one deduction under contention")
	assert.Equal(t, 90, ledger.balance("user-1"))
	assert.Equal(t, 1, invoker.callCount(), "the lease prevents duplicate invocations")
	store.assertForwardOnly(t)
}

func TestConcurrentRetryIncrementsOnce(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 100
	invoker := &stubInvoker{}
	svc := newTestService(store, ledger, invoker)

	failed := &domain.Order{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		BizNo:       "t5",
		Kind:        domain.OrderKindImage,
		Provider:    "tuzi",
		Model:       "flux-schnell",
		Prompt:      "cat",
		CreditsCost: 10,
		Status:      domain.OrderStatusFailed,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	store.put(failed)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			res, err := svc.Submit(ctx, imageRequest("user-1", "t5", 10))
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("retry failed: %v", res.Err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stored, err := store.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.RetryCount, "simultaneous retries increment the counter once")
	store.assertForwardOnly(t)
}

func TestDuplicateWhileProcessingWaitsForResult(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 100
	release := make(chan struct{})
	invoker := &stubInvoker{fn: func(ctx context.Context, _ InvokeRequest) ([]Artifact, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Artifact{{URL: "https://cdn.example/slow.png"}}, nil
	}}
	svc := newTestService(store, ledger, invoker)
	ctx := context.Background()

	firstDone := make(chan *Result, 1)
	go func() {
		res, _ := svc.Submit(ctx, imageRequest("user-1", "t6", 10))
		firstDone <- res
	}()

	// Wait until the first request is mid-invocation.
	var orderID string
	require.Eventually(t, func() bool {
		order, err := store.GetByUserAndBizNo(ctx, "user-1", "t6")
		if err != nil {
			return false
		}
		orderID = order.ID
		return order.Status == domain.OrderStatusProcessing
	}, time.Second, 2*time.Millisecond)

	secondDone := make(chan *Result, 1)
	go func() {
		res, _ := svc.Submit(ctx, imageRequest("user-1", "t6", 10))
		secondDone <- res
	}()

	// Give the duplicate time to enter its poll loop, then let the owner
	// finish.
	time.Sleep(20 * time.Millisecond)
	close(release)

	first := <-firstDone
	second := <-secondDone
	require.True(t, first.Success, "owner failed: %v", first.Err)
	require.True(t, second.Success, "duplicate failed: %v", second.Err)

	assert.Equal(t, orderID, second.OrderID)
	assert.True(t, second.IsRetry)
	assert.Equal(t, first.ResultURLs, second.ResultURLs)
	assert.Equal(t, 1, invoker.callCount(), "the waiting duplicate must not re-invoke")
	assert.Equal(t, 1, ledger.decrementCount())
	store.assertForwardOnly(t)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	invoker := &stubInvoker{fn: func(context.Context, InvokeRequest) ([]Artifact, error) {
		return []Artifact{{URL: "https://cdn.example/reclaimed.png"}}, nil
	}}
	svc := newTestService(store, ledger, invoker)

	// An owner crashed mid-invocation: processing, credits deducted, lease
	// long expired.
	expired := time.Now().Add(-time.Minute)
	stale := &domain.Order{
		ID:                   uuid.NewString(),
		UserID:               "user-1",
		BizNo:                "t7",
		Kind:                 domain.OrderKindImage,
		Provider:             "tuzi",
		Model:                "flux-schnell",
		Prompt:               "cat",
		CreditsCost:          10,
		Status:               domain.OrderStatusProcessing,
		CreditsTransactionID: uuid.NewString(),
		LeaseOwner:           "dead-owner",
		LeaseExpiresAt:       &expired,
		CreatedAt:            time.Now().Add(-2 * time.Minute),
		UpdatedAt:            time.Now().Add(-time.Minute),
	}
	store.put(stale)
	ledger.byReference[stale.ID] = stale.CreditsTransactionID

	res, err := svc.Submit(context.Background(), imageRequest("user-1", "t7", 10))
	require.NoError(t, err)
	require.True(t, res.Success, "reclaim failed: %v", res.Err)

	assert.Equal(t, stale.ID, res.OrderID)
	assert.True(t, res.IsRetry)
	assert.Equal(t, 10, res.CreditsConsumed)
	assert.Equal(t, []string{"https://cdn.example/reclaimed.png"}, res.ResultURLs)
	assert.Equal(t, 1, invoker.callCount(), "the claimant re-invokes exactly once")
	assert.Equal(t, 0, ledger.decrementCount(), "reclaiming never bills again")
	assert.Equal(t, domain.OrderStatusSuccess, store.statusOf(t, stale.ID))
}

func TestStatusScopedToOwner(t *testing.T) {
	store := newMemStore()
	ledger := newMemLedger()
	ledger.balances["user-1"] = 100
	svc := newTestService(store, ledger, &stubInvoker{})
	ctx := context.Background()

	res, err := svc.Submit(ctx, imageRequest("user-1", "t8", 10))
	require.NoError(t, err)
	require.True(t, res.Success)

	order, err := svc.Status(ctx, "user-1", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, order.ID)

	_, err = svc.Status(ctx, "user-2", res.OrderID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "orders are invisible to other users")

	byBizNo, err := svc.StatusByBizNo(ctx, "user-1", "t8")
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, byBizNo.ID)
}
