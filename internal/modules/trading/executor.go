package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/sessions"
	"github.com/rs/zerolog"
)

// Runtime runs one agent session to completion. Implemented by the agent
// runtime package; defined here so the executor does not depend on it.
type Runtime interface {
	Run(ctx context.Context, agent *domain.Agent, session *domain.Session) (finalOutput string, toolsCalled []string, err error)
}

// TradingDayGate reports whether the market trades on the given date. An
// empty date means today. Implemented by the market client.
type TradingDayGate interface {
	IsTradingDay(ctx context.Context, date string) (bool, error)
}

// Executor owns the execution lifecycle: it admits at most one live run per
// agent, drives the runtime in a goroutine, and closes the session with the
// right terminal status.
type Executor struct {
	agents   *agents.Repository
	sessions *sessions.Service
	registry *ActiveRegistry
	runtime  Runtime
	hub      *events.Hub
	timeout  time.Duration
	gate     TradingDayGate
	log      zerolog.Logger
}

// NewExecutor creates a new executor
func NewExecutor(
	agentRepo *agents.Repository,
	sessionSvc *sessions.Service,
	registry *ActiveRegistry,
	runtime Runtime,
	hub *events.Hub,
	timeout time.Duration,
	log zerolog.Logger,
) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Executor{
		agents:   agentRepo,
		sessions: sessionSvc,
		registry: registry,
		runtime:  runtime,
		hub:      hub,
		timeout:  timeout,
		log:      log.With().Str("service", "executor").Logger(),
	}
}

// SetTradingDayGate enables the market-calendar check on TRADING starts.
// A nil gate (the default) admits starts on any day.
func (e *Executor) SetTradingDayGate(gate TradingDayGate) {
	e.gate = gate
}

// StartExecution admits a new run for the agent. The slot is claimed and the
// session row created synchronously, so a concurrent start for the same agent
// gets ErrAgentBusy before any session exists; the run itself happens in a
// goroutine.
func (e *Executor) StartExecution(agentID string, mode domain.AgentMode, initialInput string) (*domain.Session, error) {
	agent, err := e.agents.GetByID(agentID)
	if err != nil {
		return nil, err
	}

	if mode == domain.ModeTrading && e.gate != nil {
		checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
		open, err := e.gate.IsTradingDay(checkCtx, "")
		cancelCheck()
		switch {
		case err != nil:
			// Calendar lookup failures do not block operators.
			e.log.Warn().Err(err).Str("agent_id", agentID).Msg("Trading-day check failed, admitting start")
		case !open:
			return nil, fmt.Errorf("%w: market is closed today", domain.ErrValidation)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.registry.TryAcquire(agentID, cancel); err != nil {
		cancel()
		return nil, err
	}

	session, err := e.sessions.Create(agentID, mode, initialInput)
	if err != nil {
		e.registry.Release(agentID)
		cancel()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	e.registry.BindSession(agentID, session.ID)

	go e.run(runCtx, cancel, agent, session)

	return session, nil
}

// StopAgent cancels the agent's live execution. The run goroutine observes
// the cancellation and closes the session as CANCELLED.
func (e *Executor) StopAgent(agentID string) (string, error) {
	sessionID, ok := e.registry.Stop(agentID)
	if !ok {
		return "", domain.ErrNoActiveSession
	}
	e.log.Info().Str("agent_id", agentID).Str("session_id", sessionID).Msg("Stop requested")
	return sessionID, nil
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, agent *domain.Agent, session *domain.Session) {
	defer e.registry.Release(agent.ID)
	defer cancel()

	ctx, cancelDeadline := context.WithTimeout(ctx, e.timeout)
	defer cancelDeadline()

	log := e.log.With().Str("agent_id", agent.ID).Str("session_id", session.ID).Logger()

	if err := e.sessions.MarkRunning(session.ID); err != nil {
		log.Error().Err(err).Msg("Failed to mark session running")
		msg := err.Error()
		_ = e.sessions.Close(session.ID, domain.SessionFailed, nil, &msg)
		return
	}

	e.hub.EmitExecution(events.ExecutionStarted, agent.ID, session.ID, map[string]any{
		"mode": string(session.Mode),
	})
	e.hub.EmitAgentStatus(agent.ID, string(domain.AgentActive), map[string]any{
		"session_id": session.ID,
	})

	started := time.Now()
	output, toolsCalled, runErr := e.runtime.Run(ctx, agent, session)
	elapsed := time.Since(started)

	if len(toolsCalled) > 0 {
		if err := e.sessions.SetToolsCalled(session.ID, toolsCalled); err != nil {
			log.Warn().Err(err).Msg("Failed to store tools_called")
		}
	}

	switch {
	case runErr == nil:
		var out *string
		if output != "" {
			out = &output
		}
		if err := e.sessions.Close(session.ID, domain.SessionCompleted, out, nil); err != nil {
			log.Error().Err(err).Msg("Failed to close session")
		}
		log.Info().Dur("elapsed", elapsed).Int("tools", len(toolsCalled)).Msg("Execution completed")
		e.hub.EmitExecution(events.ExecutionCompleted, agent.ID, session.ID, map[string]any{
			"elapsed_ms": elapsed.Milliseconds(),
		})

	case e.registry.Stopped(agent.ID):
		msg := "stopped by operator"
		if err := e.sessions.Close(session.ID, domain.SessionCancelled, nil, &msg); err != nil {
			log.Error().Err(err).Msg("Failed to close session")
		}
		log.Info().Dur("elapsed", elapsed).Msg("Execution stopped")
		e.hub.EmitExecution(events.ExecutionStopped, agent.ID, session.ID, nil)

	case errors.Is(runErr, context.DeadlineExceeded):
		msg := "execution timeout"
		if err := e.sessions.Close(session.ID, domain.SessionTimeout, nil, &msg); err != nil {
			log.Error().Err(err).Msg("Failed to close session")
		}
		log.Warn().Dur("elapsed", elapsed).Msg("Execution timed out")
		e.hub.EmitExecution(events.ExecutionFailed, agent.ID, session.ID, map[string]any{
			"error": msg,
		})

	default:
		msg := runErr.Error()
		if err := e.sessions.Close(session.ID, domain.SessionFailed, nil, &msg); err != nil {
			log.Error().Err(err).Msg("Failed to close session")
		}
		log.Error().Err(runErr).Dur("elapsed", elapsed).Msg("Execution failed")
		e.hub.EmitExecution(events.ExecutionFailed, agent.ID, session.ID, map[string]any{
			"error": msg,
		})
	}
}
