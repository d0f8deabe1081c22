package sessions

import (
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/rs/zerolog"
)

// Service is a thin facade over the sessions table that also notifies the
// event bus about lifecycle edges.
type Service struct {
	repo *Repository
	hub  *events.Hub
	log  zerolog.Logger
}

// NewService creates a new session service
func NewService(repo *Repository, hub *events.Hub, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		hub:  hub,
		log:  log.With().Str("service", "sessions").Logger(),
	}
}

// Create opens a PENDING session.
func (s *Service) Create(agentID string, mode domain.AgentMode, initialInput string) (*domain.Session, error) {
	return s.repo.Create(agentID, mode, initialInput)
}

// Get retrieves a session by ID.
func (s *Service) Get(id string) (*domain.Session, error) {
	return s.repo.GetByID(id)
}

// History retrieves recent sessions for an agent.
func (s *Service) History(agentID string, limit int) ([]domain.Session, error) {
	return s.repo.ListByAgent(agentID, limit)
}

// Running returns the agent's RUNNING session.
func (s *Service) Running(agentID string) (*domain.Session, error) {
	return s.repo.GetRunningByAgent(agentID)
}

// MarkRunning transitions PENDING -> RUNNING.
func (s *Service) MarkRunning(id string) error {
	return s.repo.UpdateStatus(id, domain.SessionRunning, nil, nil)
}

// Close transitions a session to a terminal status. An error event is
// emitted for FAILED and TIMEOUT endings.
func (s *Service) Close(id string, status domain.SessionStatus, finalOutput, errorMessage *string) error {
	if err := s.repo.UpdateStatus(id, status, finalOutput, errorMessage); err != nil {
		return err
	}

	if status == domain.SessionFailed || status == domain.SessionTimeout {
		session, err := s.repo.GetByID(id)
		if err == nil {
			msg := string(status)
			if session.ErrorMessage != nil {
				msg = *session.ErrorMessage
			}
			s.hub.EmitError(session.AgentID, msg)
		}
	}

	return nil
}

// SetToolsCalled stores the ordered tool-name list for a session.
func (s *Service) SetToolsCalled(id string, tools []string) error {
	return s.repo.SetToolsCalled(id, tools)
}

// SweepTimeouts flips long-RUNNING sessions to TIMEOUT and emits an error
// event per closed session.
func (s *Service) SweepTimeouts(threshold time.Duration) (int, error) {
	closed, err := s.repo.SweepTimeouts(threshold)
	if err != nil {
		return 0, err
	}

	for _, id := range closed {
		if session, getErr := s.repo.GetByID(id); getErr == nil {
			s.hub.EmitError(session.AgentID, "execution timeout")
		}
	}

	if len(closed) > 0 {
		s.log.Warn().Int("count", len(closed)).Msg("Stale sessions timed out")
	}

	return len(closed), nil
}
