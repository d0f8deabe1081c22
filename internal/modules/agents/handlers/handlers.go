// Package handlers exposes the agent CRUD and execution-control endpoints.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/httpx"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/trading"
)

const defaultMaxPositionSize = 20.0

// Handler serves /api/agents.
type Handler struct {
	repo         *agents.Repository
	models       *agents.ModelRepository
	executor     *trading.Executor
	hub          *events.Hub
	defaultModel string
	log          zerolog.Logger
}

// NewHandler creates the agents handler.
func NewHandler(repo *agents.Repository, models *agents.ModelRepository, executor *trading.Executor, hub *events.Hub, defaultModel string, log zerolog.Logger) *Handler {
	return &Handler{
		repo:         repo,
		models:       models,
		executor:     executor,
		hub:          hub,
		defaultModel: defaultModel,
		log:          log.With().Str("handler", "agents").Logger(),
	}
}

// RegisterRoutes mounts the agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/start", h.handleStart)
		r.Post("/{id}/stop", h.handleStop)
	})
}

type createAgentRequest struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	AIModel         string  `json:"ai_model"`
	InitialFunds    string  `json:"initial_funds"`
	Preferences     string  `json:"investment_preferences"`
	MaxPositionSize float64 `json:"max_position_size"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	if req.AIModel == "" {
		req.AIModel = h.defaultModel
	}
	modelCfg, err := h.models.GetByKey(req.AIModel)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	funds := decimal.NewFromInt(1000000)
	if req.InitialFunds != "" {
		funds, err = decimal.NewFromString(req.InitialFunds)
		if err != nil {
			httpx.WriteError(w, h.log,
				fmt.Errorf("%w: invalid initial_funds %q", domain.ErrValidation, req.InitialFunds))
			return
		}
	}
	if req.MaxPositionSize == 0 {
		req.MaxPositionSize = defaultMaxPositionSize
	}

	agent := &domain.Agent{
		Name:            req.Name,
		Description:     req.Description,
		AIModel:         modelCfg.ModelKey,
		Provider:        modelCfg.Provider,
		InitialFunds:    funds,
		CurrentFunds:    funds,
		Preferences:     req.Preferences,
		MaxPositionSize: req.MaxPositionSize,
	}
	if err := h.repo.Create(agent); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	httpx.WriteJSON(w, h.log, http.StatusCreated, agent)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List()
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if list == nil {
		list = []domain.Agent{}
	}
	httpx.WriteJSON(w, h.log, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, h.log, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name            *string  `json:"name"`
	Description     *string  `json:"description"`
	AIModel         *string  `json:"ai_model"`
	CurrentMode     *string  `json:"current_mode"`
	Status          *string  `json:"status"`
	Preferences     *string  `json:"investment_preferences"`
	MaxPositionSize *float64 `json:"max_position_size"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	agent, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	var req updateAgentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.AIModel != nil {
		modelCfg, err := h.models.GetByKey(*req.AIModel)
		if err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
		agent.AIModel = modelCfg.ModelKey
		agent.Provider = modelCfg.Provider
	}
	if req.CurrentMode != nil {
		mode, err := domain.ParseAgentMode(*req.CurrentMode)
		if err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
		agent.CurrentMode = mode
	}
	if req.Status != nil {
		agent.Status = domain.AgentStatus(*req.Status)
	}
	strategyChanged := false
	if req.Preferences != nil && *req.Preferences != agent.Preferences {
		agent.Preferences = *req.Preferences
		strategyChanged = true
	}
	if req.MaxPositionSize != nil && *req.MaxPositionSize != agent.MaxPositionSize {
		agent.MaxPositionSize = *req.MaxPositionSize
		strategyChanged = true
	}

	if err := h.repo.Update(agent); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	if strategyChanged {
		h.hub.EmitStrategyChange(agent.ID, map[string]any{
			"investment_preferences": agent.Preferences,
			"max_position_size":      agent.MaxPositionSize,
		})
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, agent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]string{"status": "deleted"})
}

type startRequest struct {
	Mode         string `json:"mode"`
	InitialInput string `json:"initial_input"`
}

// handleStart admits a run. A concurrent start for the same agent gets 409
// before any session row exists.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req startRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
	}

	mode := domain.ModeTrading
	if req.Mode != "" {
		var err error
		mode, err = domain.ParseAgentMode(req.Mode)
		if err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
	}
	if req.InitialInput == "" {
		req.InitialInput = "{}"
	}

	session, err := h.executor.StartExecution(agentID, mode, req.InitialInput)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	httpx.WriteJSON(w, h.log, http.StatusAccepted, map[string]any{
		"session_id": session.ID,
		"agent_id":   agentID,
		"mode":       string(mode),
		"status":     "started",
	})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	sessionID, err := h.executor.StopAgent(agentID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"agent_id":   agentID,
		"status":     "stopping",
	})
}
