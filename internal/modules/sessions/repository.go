// Package sessions manages the lifecycle of agent execution sessions.
package sessions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sessionsColumns is the list of columns for the agent_sessions table.
// Column order must match scanSessionFromRows().
const sessionsColumns = `id, agent_id, mode, status, start_time, end_time, execution_time_ms, initial_input, final_output, tools_called, error_message, created_at`

// Repository handles session database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new session repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "sessions").Logger(),
	}
}

// Session times persist as Unix milliseconds so execution_time_ms keeps
// sub-second precision.

// Create inserts a new PENDING session with start_time now (UTC).
func (r *Repository) Create(agentID string, mode domain.AgentMode, initialInput string) (*domain.Session, error) {
	if initialInput == "" {
		initialInput = "{}"
	}

	now := time.Now().UTC()
	session := &domain.Session{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Mode:         mode,
		Status:       domain.SessionPending,
		StartTime:    now,
		InitialInput: initialInput,
		ToolsCalled:  []string{},
		CreatedAt:    now,
	}

	query := `
		INSERT INTO agent_sessions
		(id, agent_id, mode, status, start_time, initial_input, tools_called, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', ?)
	`

	_, err := r.db.Exec(query,
		session.ID,
		session.AgentID,
		string(session.Mode),
		string(session.Status),
		now.UnixMilli(),
		session.InitialInput,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Info().
		Str("session_id", session.ID).
		Str("agent_id", agentID).
		Str("mode", string(mode)).
		Msg("Session created")

	return session, nil
}

// GetByID retrieves a session by ID
func (r *Repository) GetByID(id string) (*domain.Session, error) {
	query := "SELECT " + sessionsColumns + " FROM agent_sessions WHERE id = ?"

	rows, err := r.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}

	session, err := scanSessionFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return &session, nil
}

// ListByAgent retrieves sessions for an agent, most recent first.
func (r *Repository) ListByAgent(agentID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + sessionsColumns + ` FROM agent_sessions
		WHERE agent_id = ?
		ORDER BY start_time DESC, created_at DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var result []domain.Session
	for rows.Next() {
		session, err := scanSessionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return result, nil
}

// GetRunningByAgent returns the currently RUNNING session for an agent, or
// ErrNoActiveSession when there is none. Single-flight guarantees at most one.
func (r *Repository) GetRunningByAgent(agentID string) (*domain.Session, error) {
	query := `
		SELECT ` + sessionsColumns + ` FROM agent_sessions
		WHERE agent_id = ? AND status = ?
		ORDER BY start_time DESC
		LIMIT 1
	`

	rows, err := r.db.Query(query, agentID, string(domain.SessionRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to get running session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get running session: %w", err)
		}
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNoActiveSession)
	}

	session, err := scanSessionFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return &session, nil
}

// UpdateStatus transitions a session. On a terminal status, if end_time is
// unset it is stamped now (UTC) and execution_time_ms is derived from
// start_time. Terminal sessions are never reopened.
func (r *Repository) UpdateStatus(id string, status domain.SessionStatus, finalOutput, errorMessage *string) error {
	session, err := r.GetByID(id)
	if err != nil {
		return err
	}

	if session.Status.Terminal() {
		return fmt.Errorf("%w: session %s already %s", domain.ErrValidation, id, session.Status)
	}

	if !status.Terminal() {
		_, err := r.db.Exec("UPDATE agent_sessions SET status = ? WHERE id = ?", string(status), id)
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		return nil
	}

	endTime := time.Now().UTC()
	executionMs := endTime.Sub(session.StartTime).Milliseconds()
	if executionMs < 0 {
		executionMs = 0
	}

	query := `
		UPDATE agent_sessions
		SET status = ?, end_time = ?, execution_time_ms = ?,
		    final_output = COALESCE(?, final_output),
		    error_message = COALESCE(?, error_message)
		WHERE id = ?
	`

	_, err = r.db.Exec(query,
		string(status),
		endTime.UnixMilli(),
		executionMs,
		nullString(finalOutput),
		nullString(errorMessage),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	r.log.Info().
		Str("session_id", id).
		Str("status", string(status)).
		Int64("execution_time_ms", executionMs).
		Msg("Session closed")

	return nil
}

// SetToolsCalled stores the ordered tool-name list for a session.
func (r *Repository) SetToolsCalled(id string, tools []string) error {
	if tools == nil {
		tools = []string{}
	}
	encoded, err := domain.MarshalJSONString(tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools_called: %w", err)
	}

	_, err = r.db.Exec("UPDATE agent_sessions SET tools_called = ? WHERE id = ?", encoded, id)
	if err != nil {
		return fmt.Errorf("failed to set tools_called: %w", err)
	}
	return nil
}

// SweepTimeouts flips RUNNING sessions older than the threshold to TIMEOUT.
// Returns the IDs of the sessions it closed.
func (r *Repository) SweepTimeouts(threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := r.db.Query(
		"SELECT id, agent_id, start_time FROM agent_sessions WHERE status = ? AND start_time < ?",
		string(domain.SessionRunning), cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stale sessions: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id        string
		agentID   string
		startTime int64
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.agentID, &s.startTime); err != nil {
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale sessions: %w", err)
	}

	now := time.Now().UTC()
	var closed []string
	for _, s := range found {
		executionMs := now.UnixMilli() - s.startTime
		if executionMs < 0 {
			executionMs = 0
		}
		_, err := r.db.Exec(`
			UPDATE agent_sessions
			SET status = ?, end_time = ?, execution_time_ms = ?, error_message = 'execution timeout'
			WHERE id = ? AND status = ?`,
			string(domain.SessionTimeout), now.UnixMilli(), executionMs,
			s.id, string(domain.SessionRunning),
		)
		if err != nil {
			return closed, fmt.Errorf("failed to timeout session %s: %w", s.id, err)
		}

		r.log.Warn().
			Str("session_id", s.id).
			Str("agent_id", s.agentID).
			Msg("Session timed out by sweep")

		closed = append(closed, s.id)
	}

	return closed, nil
}

func scanSessionFromRows(rows *sql.Rows) (domain.Session, error) {
	var (
		session              domain.Session
		mode, status         string
		startTime, createdAt int64
		endTime, execMs      sql.NullInt64
		finalOutput, errMsg  sql.NullString
		toolsCalled          string
	)

	err := rows.Scan(
		&session.ID,
		&session.AgentID,
		&mode,
		&status,
		&startTime,
		&endTime,
		&execMs,
		&session.InitialInput,
		&finalOutput,
		&toolsCalled,
		&errMsg,
		&createdAt,
	)
	if err != nil {
		return session, err
	}

	session.Mode = domain.AgentMode(mode)
	session.Status = domain.SessionStatus(status)
	session.StartTime = time.UnixMilli(startTime).UTC()
	session.CreatedAt = time.UnixMilli(createdAt).UTC()

	if endTime.Valid {
		t := time.UnixMilli(endTime.Int64).UTC()
		session.EndTime = &t
	}
	if execMs.Valid {
		session.ExecutionTimeMs = &execMs.Int64
	}
	if finalOutput.Valid {
		session.FinalOutput = &finalOutput.String
	}
	if errMsg.Valid {
		session.ErrorMessage = &errMsg.String
	}

	session.ToolsCalled = []string{}
	if toolsCalled != "" {
		if err := json.Unmarshal([]byte(toolsCalled), &session.ToolsCalled); err != nil {
			return session, fmt.Errorf("invalid tools_called payload: %w", err)
		}
	}

	return session, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}
