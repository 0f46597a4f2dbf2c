package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genorder/internal/domain"
	"genorder/internal/generation"
	"genorder/internal/middleware"
)

type generateRequest struct {
	BizNo    string         `json:"biz_no"`
	Kind     string         `json:"kind"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	Options  map[string]any `json:"options"`
}

type generateResponse struct {
	Success         bool            `json:"success"`
	OrderID         string          `json:"order_id"`
	ResultURLs      []string        `json:"result_urls,omitempty"`
	ResultData      json.RawMessage `json:"result_data,omitempty"`
	CreditsConsumed int             `json:"credits_consumed"`
	IsRetry         bool            `json:"is_retry"`
	Error           string          `json:"error,omitempty"`
}

type orderDTO struct {
	ID           string          `json:"id"`
	BizNo        string          `json:"biz_no"`
	Kind         string          `json:"kind"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Status       string          `json:"status"`
	CreditsCost  int             `json:"credits_cost"`
	ResultURLs   []string        `json:"result_urls,omitempty"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func toOrderDTO(o *domain.Order) orderDTO {
	return orderDTO{
		ID:           o.ID,
		BizNo:        o.BizNo,
		Kind:         string(o.Kind),
		Provider:     o.Provider,
		Model:        o.Model,
		Status:       string(o.Status),
		CreditsCost:  o.CreditsCost,
		ResultURLs:   o.ResultURLs,
		ResultData:   o.ResultData,
		ErrorMessage: o.ErrorMessage,
		RetryCount:   o.RetryCount,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		CompletedAt:  o.CompletedAt,
	}
}

// GenerationsCreate submits one generation order. The biz_no in the payload
// is the idempotency key: replays of the same (user, biz_no) return the
// recorded outcome without billing again.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	kind := domain.OrderKind(req.Kind)
	country := middleware.CountryFromContext(r.Context())
	credits := a.Pricer.Credits(kind, country, userID)

	res, err := a.Service.Submit(r.Context(), generation.SubmitRequest{
		UserID:          userID,
		BizNo:           req.BizNo,
		Kind:            kind,
		Provider:        req.Provider,
		Model:           req.Model,
		Prompt:          req.Prompt,
		Options:         req.Options,
		CreditsRequired: credits,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthenticated):
			a.error(w, http.StatusUnauthorized, "unauthorized", err.Error())
		case errors.Is(err, domain.ErrInvalidRequest):
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("submit failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to submit generation")
		}
		return
	}

	resp := generateResponse{
		Success:         res.Success,
		OrderID:         res.OrderID,
		ResultURLs:      res.ResultURLs,
		ResultData:      res.ResultData,
		CreditsConsumed: res.CreditsConsumed,
		IsRetry:         res.IsRetry,
	}
	if res.Success {
		a.json(w, http.StatusOK, resp)
		return
	}

	resp.Error = res.Err.Error()
	switch {
	case errors.Is(res.Err, domain.ErrInsufficientCredits):
		a.json(w, http.StatusPaymentRequired, resp)
	case errors.Is(res.Err, domain.ErrProviderFailure):
		a.json(w, http.StatusBadGateway, resp)
	default:
		a.Logger.Error().Err(res.Err).Str("order_id", res.OrderID).Msg("generation failed")
		a.json(w, http.StatusInternalServerError, resp)
	}
}

// GenerationStatus returns one of the caller's orders by id.
func (a *App) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "order_id required")
		return
	}
	order, err := a.Service.Status(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		a.Logger.Error().Err(err).Str("order_id", orderID).Msg("status lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}
	a.json(w, http.StatusOK, toOrderDTO(order))
}

// GenerationByBizNo looks an order up by its idempotency key.
func (a *App) GenerationByBizNo(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	bizNo := r.URL.Query().Get("biz_no")
	if bizNo == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "biz_no required")
		return
	}
	order, err := a.Service.StatusByBizNo(r.Context(), userID, bizNo)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		a.Logger.Error().Err(err).Str("biz_no", bizNo).Msg("biz_no lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}
	a.json(w, http.StatusOK, toOrderDTO(order))
}
