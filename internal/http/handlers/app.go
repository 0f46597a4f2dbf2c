package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"genorder/internal/domain"
	"genorder/internal/generation"
	"genorder/internal/middleware"
	"genorder/internal/pricing"
)

// GenerationService is the slice of the order state machine the HTTP layer
// depends on.
type GenerationService interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.Result, error)
	Status(ctx context.Context, userID, orderID string) (*domain.Order, error)
	StatusByBizNo(ctx context.Context, userID, bizNo string) (*domain.Order, error)
	List(ctx context.Context, userID string, kind domain.OrderKind, page, limit int) ([]domain.Order, error)
	CreditBalance(ctx context.Context, userID string) (int, error)
}

type App struct {
	Service GenerationService
	Pricer  *pricing.Pricer
	Logger  zerolog.Logger
}

func NewApp(service GenerationService, pricer *pricing.Pricer, logger zerolog.Logger) *App {
	return &App{Service: service, Pricer: pricer, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, short, message string) {
	a.json(w, code, map[string]any{
		"error":   short,
		"message": message,
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
