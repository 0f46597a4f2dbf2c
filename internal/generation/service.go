package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genorder/internal/domain"
)

// Defaults for the processing lease. A duplicate submission that finds the
// order in processing polls at PollInterval until the owner records a
// terminal status; once LeaseTTL has lapsed without one, the duplicate
// claims the order and re-invokes.
const (
	defaultLeaseTTL     = 90 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Options tunes the service. Zero values fall back to the defaults above.
type Options struct {
	LeaseTTL     time.Duration
	PollInterval time.Duration
	Clock        func() time.Time
}

// Service is the order state machine. It turns a submission into exactly
// one billed, invoked and recorded outcome per (user, bizNo), relying on
// the store's unique insert and status-guarded update as the only
// concurrency primitives.
type Service struct {
	orders       domain.OrderRepository
	credits      domain.CreditLedger
	invoker      Invoker
	log          zerolog.Logger
	leaseTTL     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewService constructs the state machine with its collaborators injected.
func NewService(orders domain.OrderRepository, credits domain.CreditLedger, invoker Invoker, log zerolog.Logger, opts Options) *Service {
	s := &Service{
		orders:       orders,
		credits:      credits,
		invoker:      invoker,
		log:          log,
		leaseTTL:     opts.LeaseTTL,
		pollInterval: opts.PollInterval,
		now:          opts.Clock,
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = defaultLeaseTTL
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SubmitRequest is one generation submission. BizNo is the caller-chosen
// idempotency key; resubmitting the same (UserID, BizNo) never bills twice.
type SubmitRequest struct {
	UserID          string
	BizNo           string
	Kind            domain.OrderKind
	Provider        string
	Model           string
	Prompt          string
	Options         map[string]any
	CreditsRequired int
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user identity required", domain.ErrUnauthenticated)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.BizNo) == "" {
		return fmt.Errorf("%w: biz_no is required", domain.ErrInvalidRequest)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unsupported kind %q", domain.ErrInvalidRequest, r.Kind)
	}
	if r.CreditsRequired < 0 {
		return fmt.Errorf("%w: credits must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

// Result is the uniform outcome of a submission. Err is set when Success is
// false; OrderID is present whenever an order exists for the request.
type Result struct {
	Success         bool
	Artifacts       []Artifact
	ResultURLs      []string
	ResultData      json.RawMessage
	OrderID         string
	CreditsConsumed int
	IsRetry         bool
	Err             error
}

// Submit runs one submission through the state machine. Validation failures
// return an error before any order exists; every failure after that point
// is reported through the Result so the caller always learns the order id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	draft := &domain.Order{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		BizNo:       req.BizNo,
		Kind:        req.Kind,
		Provider:    req.Provider,
		Model:       req.Model,
		Prompt:      req.Prompt,
		Options:     req.Options,
		CreditsCost: req.CreditsRequired,
		Status:      domain.OrderStatusCreated,
	}
	isNew, order, err := s.orders.Create(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	isRetry := !isNew

	if !isNew {
		switch order.Status {
		case domain.OrderStatusSuccess:
			// Idempotent fast path: the work is done, return it.
			return s.cachedSuccess(order), nil

		case domain.OrderStatusFailed:
			retries := order.RetryCount + 1
			updated, ok, err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCreated,
				[]domain.OrderStatus{domain.OrderStatusFailed},
				domain.OrderPatch{RetryCount: &retries})
			if err != nil {
				return s.failure(order.ID, 0, isRetry, err), nil
			}
			if ok {
				order = updated
			} else {
				// Another request already reset or finished this order.
				latest, err := s.orders.GetByUserAndBizNo(ctx, req.UserID, req.BizNo)
				if err != nil {
					return s.failure(order.ID, 0, isRetry, err), nil
				}
				if latest.Status == domain.OrderStatusSuccess {
					return s.cachedSuccess(latest), nil
				}
				order = latest
			}

		default:
			// Created, CreditsDeducted or Processing: resume the pipeline
			// against the existing order. A previous attempt either died
			// between steps or is still running; runPipeline waits on its
			// lease in the latter case.
		}
	}

	return s.runPipeline(ctx, order, isRetry)
}

// runPipeline drives an order with a non-terminal status through credit
// deduction, processing and invocation. Each loop turn dispatches on the
// authoritative status: losing any guarded transition re-reads state and
// goes around again rather than pressing on with a stale view.
func (s *Service) runPipeline(ctx context.Context, order *domain.Order, isRetry bool) (*Result, error) {
	cur, err := s.orders.GetByID(ctx, order.ID)
	if err != nil {
		return s.failure(order.ID, 0, isRetry, err), nil
	}

	creditsConsumed := 0
	for {
		switch cur.Status {
		case domain.OrderStatusCreated:
			var transactionID string
			if cur.CreditsCost > 0 {
				// The order id doubles as the ledger reference, so a racing
				// duplicate that also reaches this line bills nothing.
				transactionID, err = s.credits.Decrement(ctx, cur.UserID, cur.CreditsCost, cur.ID)
				if err != nil {
					// Insufficient balance leaves the order in Created:
					// safe to retry once topped up, nothing was billed.
					return s.failure(cur.ID, 0, isRetry, err), nil
				}
				creditsConsumed = cur.CreditsCost
			}
			updated, ok, err := s.orders.UpdateStatus(ctx, cur.ID, domain.OrderStatusCreditsDeducted,
				[]domain.OrderStatus{domain.OrderStatusCreated},
				domain.OrderPatch{CreditsTransactionID: &transactionID})
			if err != nil {
				return s.failure(cur.ID, creditsConsumed, isRetry, err), nil
			}
			if ok {
				cur = updated
				continue
			}
			s.log.Warn().Str("order_id", cur.ID).Msg("deduction transition lost, re-reading state")

		case domain.OrderStatusCreditsDeducted:
			creditsConsumed = cur.CreditsCost
			owner := uuid.NewString()
			until := s.now().Add(s.leaseTTL)
			updated, ok, err := s.orders.UpdateStatus(ctx, cur.ID, domain.OrderStatusProcessing,
				[]domain.OrderStatus{domain.OrderStatusCreditsDeducted},
				domain.OrderPatch{LeaseOwner: &owner, LeaseExpiresAt: &until})
			if err != nil {
				return s.failure(cur.ID, creditsConsumed, isRetry, err), nil
			}
			if ok {
				return s.invokeAndRecord(ctx, updated, creditsConsumed, isRetry), nil
			}

		case domain.OrderStatusProcessing:
			// Another request owns the invocation; wait for its outcome or
			// claim the lease once it lapses.
			creditsConsumed = cur.CreditsCost
			res, refreshed, claimed, err := s.awaitOrClaim(ctx, cur)
			if err != nil {
				return s.failure(cur.ID, creditsConsumed, isRetry, err), nil
			}
			if res != nil {
				return res, nil
			}
			if claimed {
				return s.invokeAndRecord(ctx, refreshed, creditsConsumed, isRetry), nil
			}
			cur = refreshed
			continue

		case domain.OrderStatusSuccess:
			return s.cachedSuccess(cur), nil

		case domain.OrderStatusFailed:
			return s.cachedFailure(cur), nil

		default:
			return s.failure(cur.ID, creditsConsumed, isRetry,
				fmt.Errorf("order in unexpected status %q", cur.Status)), nil
		}

		if cur, err = s.orders.GetByID(ctx, cur.ID); err != nil {
			return s.failure(order.ID, creditsConsumed, isRetry, err), nil
		}
	}
}

// invokeAndRecord performs the external generation call for a processing
// order and records the terminal status.
func (s *Service) invokeAndRecord(ctx context.Context, order *domain.Order, creditsConsumed int, isRetry bool) *Result {
	artifacts, err := s.invoker.Invoke(ctx, InvokeRequest{
		Prompt:   order.Prompt,
		Provider: order.Provider,
		Model:    order.Model,
		Options:  order.Options,
	})
	if err != nil {
		s.markFailed(ctx, order.ID, err)
		return s.failure(order.ID, creditsConsumed, isRetry,
			fmt.Errorf("%w: %v", domain.ErrProviderFailure, err))
	}

	urls := resultURLs(artifacts)
	data, err := json.Marshal(artifacts)
	if err != nil {
		s.markFailed(ctx, order.ID, err)
		return s.failure(order.ID, creditsConsumed, isRetry, err)
	}

	completed := s.now()
	_, ok, err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusSuccess,
		[]domain.OrderStatus{domain.OrderStatusProcessing},
		domain.OrderPatch{ResultURLs: urls, ResultData: data, CompletedAt: &completed})
	if err != nil {
		s.log.Error().Err(err).Str("order_id", order.ID).Msg("failed to record success")
	} else if !ok {
		s.log.Warn().Str("order_id", order.ID).Msg("success transition lost, another writer finished the order")
	}

	return &Result{
		Success:         true,
		Artifacts:       artifacts,
		ResultURLs:      urls,
		ResultData:      data,
		OrderID:         order.ID,
		CreditsConsumed: creditsConsumed,
		IsRetry:         isRetry,
	}
}

// awaitOrClaim handles a duplicate submission for an order that is already
// processing. It polls for a terminal status and claims the lease when it
// expires. Exactly one of the return values is meaningful: a final Result,
// or the refreshed order with claimed reporting whether the caller now owns
// the lease.
func (s *Service) awaitOrClaim(ctx context.Context, order *domain.Order) (*Result, *domain.Order, bool, error) {
	owner := uuid.NewString()
	for {
		ok, err := s.orders.ClaimLease(ctx, order.ID, owner, s.now().Add(s.leaseTTL))
		if err != nil {
			return nil, nil, false, err
		}
		latest, getErr := s.orders.GetByID(ctx, order.ID)
		if getErr != nil {
			return nil, nil, false, getErr
		}
		if ok && latest.Status == domain.OrderStatusProcessing {
			s.log.Info().Str("order_id", order.ID).Msg("processing lease expired, claiming order")
			return nil, latest, true, nil
		}
		switch latest.Status {
		case domain.OrderStatusSuccess:
			return s.cachedSuccess(latest), nil, false, nil
		case domain.OrderStatusFailed:
			return s.cachedFailure(latest), nil, false, nil
		case domain.OrderStatusProcessing:
			select {
			case <-ctx.Done():
				return nil, nil, false, ctx.Err()
			case <-time.After(s.pollInterval):
			}
		default:
			// The owner lost its own race and a third request reset the
			// order; hand it back to the pipeline.
			return nil, latest, false, nil
		}
	}
}

// markFailed is the best-effort terminal write for a failed attempt. Losing
// its own race is fine: someone else already recorded a terminal status.
func (s *Service) markFailed(ctx context.Context, orderID string, cause error) {
	message := cause.Error()
	completed := s.now()
	_, ok, err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusFailed,
		[]domain.OrderStatus{domain.OrderStatusProcessing},
		domain.OrderPatch{ErrorMessage: &message, CompletedAt: &completed})
	if err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Msg("failed to record failure")
	} else if !ok {
		s.log.Warn().Str("order_id", orderID).Msg("failure transition lost, order already moved on")
	}
}

func (s *Service) cachedSuccess(order *domain.Order) *Result {
	res := &Result{
		Success:         true,
		ResultURLs:      order.ResultURLs,
		ResultData:      order.ResultData,
		OrderID:         order.ID,
		CreditsConsumed: order.CreditsCost,
		IsRetry:         true,
	}
	if len(order.ResultData) > 0 {
		var artifacts []Artifact
		if err := json.Unmarshal(order.ResultData, &artifacts); err == nil {
			res.Artifacts = artifacts
		}
	}
	return res
}

func (s *Service) cachedFailure(order *domain.Order) *Result {
	cause := errors.New(order.ErrorMessage)
	if order.ErrorMessage == "" {
		cause = errors.New("generation failed")
	}
	return &Result{
		OrderID:         order.ID,
		CreditsConsumed: order.CreditsCost,
		IsRetry:         true,
		Err:             fmt.Errorf("%w: %v", domain.ErrProviderFailure, cause),
	}
}

func (s *Service) failure(orderID string, creditsConsumed int, isRetry bool, err error) *Result {
	return &Result{
		OrderID:         orderID,
		CreditsConsumed: creditsConsumed,
		IsRetry:         isRetry,
		Err:             err,
	}
}

// Status returns the caller's order by id.
func (s *Service) Status(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return order, nil
}

// StatusByBizNo returns the caller's order by idempotency key.
func (s *Service) StatusByBizNo(ctx context.Context, userID, bizNo string) (*domain.Order, error) {
	return s.orders.GetByUserAndBizNo(ctx, userID, bizNo)
}

// List returns the caller's orders newest first.
func (s *Service) List(ctx context.Context, userID string, kind domain.OrderKind, page, limit int) ([]domain.Order, error) {
	return s.orders.ListByUser(ctx, userID, kind, page, limit)
}

// CreditBalance reads the caller's ledger balance.
func (s *Service) CreditBalance(ctx context.Context, userID string) (int, error) {
	return s.credits.Balance(ctx, userID)
}
