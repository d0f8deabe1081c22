// Package handlers exposes the read-only trading surface: marked-to-market
// portfolios and daily performance history.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/httpx"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/trading"
)

// Handler serves /api/trading.
type Handler struct {
	trader *trading.Service
	perf   *metrics.PerformanceRepository
	prices metrics.PriceProvider
	log    zerolog.Logger
}

// NewHandler creates the trading handler. prices may be nil; portfolios then
// come back without market values.
func NewHandler(trader *trading.Service, perf *metrics.PerformanceRepository, prices metrics.PriceProvider, log zerolog.Logger) *Handler {
	return &Handler{
		trader: trader,
		perf:   perf,
		prices: prices,
		log:    log.With().Str("handler", "trading").Logger(),
	}
}

// RegisterRoutes mounts the trading routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/trading/agents/{id}", func(r chi.Router) {
		r.Get("/portfolio", h.handlePortfolio)
		r.Get("/performance-history", h.handlePerformanceHistory)
	})
}

func (h *Handler) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := h.trader.GetPortfolio(r.Context(), chi.URLParam(r, "id"), h.prices)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, h.log, http.StatusOK, portfolio)
}

func (h *Handler) handlePerformanceHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, h.log, domain.ErrValidation)
			return
		}
		limit = n
	}
	order := r.URL.Query().Get("order")

	history, err := h.perf.History(agentID, limit, order)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if history == nil {
		history = []domain.DailyPerformance{}
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"history":  history,
	})
}
