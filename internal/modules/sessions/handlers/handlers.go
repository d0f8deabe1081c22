// Package handlers exposes the execution history endpoints: per-agent
// session lists with trade aggregates and full single-session detail.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/httpx"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/sessions"
	"github.com/casualtrader/arena/internal/modules/trading"
)

const defaultHistoryLimit = 20

// Handler serves /api/agent-execution.
type Handler struct {
	agents   *agents.Repository
	sessions *sessions.Service
	txns     *trading.TransactionRepository
	log      zerolog.Logger
}

// NewHandler creates the execution history handler.
func NewHandler(agentRepo *agents.Repository, sessionSvc *sessions.Service, txns *trading.TransactionRepository, log zerolog.Logger) *Handler {
	return &Handler{
		agents:   agentRepo,
		sessions: sessionSvc,
		txns:     txns,
		log:      log.With().Str("handler", "agent_execution").Logger(),
	}
}

// RegisterRoutes mounts the execution history routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/agent-execution", func(r chi.Router) {
		r.Get("/{agent_id}/history", h.handleHistory)
		r.Get("/{agent_id}/sessions/{session_id}", h.handleSessionDetail)
	})
}

type sessionSummary struct {
	domain.Session
	Aggregates *trading.SessionAggregates `json:"aggregates"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	if _, err := h.agents.GetByID(agentID); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := h.sessions.History(agentID, limit)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	summaries := make([]sessionSummary, 0, len(list))
	for _, session := range list {
		agg, err := h.txns.AggregatesForSession(session.ID)
		if err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
		summaries = append(summaries, sessionSummary{Session: session, Aggregates: agg})
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"sessions": summaries,
	})
}

func (h *Handler) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	sessionID := chi.URLParam(r, "session_id")

	session, err := h.sessions.Get(sessionID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if session.AgentID != agentID {
		// A session under a different agent's path reads as not found.
		httpx.WriteError(w, h.log, domain.ErrSessionNotFound)
		return
	}

	trades, err := h.txns.ListBySession(sessionID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if trades == nil {
		trades = []domain.Transaction{}
	}

	agg, err := h.txns.AggregatesForSession(sessionID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{
		"session":    session,
		"trades":     trades,
		"aggregates": agg,
	})
}
