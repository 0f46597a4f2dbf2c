package handlers

import (
	"net/http"
	"strconv"

	"genorder/internal/domain"
)

// OrdersList returns the caller's orders newest first. kind, page and limit
// come from the query string; unknown values fall back to defaults.
func (a *App) OrdersList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	q := r.URL.Query()
	kind := domain.OrderKind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported kind")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	orders, err := a.Service.List(r.Context(), userID, kind, page, limit)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("list orders failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list orders")
		return
	}

	dtos := make([]orderDTO, 0, len(orders))
	for i := range orders {
		dtos = append(dtos, toOrderDTO(&orders[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"orders": dtos})
}
