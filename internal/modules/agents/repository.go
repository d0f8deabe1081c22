// Package agents provides persistence and HTTP surface for trading agents.
package agents

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// agentsColumns is the list of columns for the agents table.
// Used to avoid SELECT * which can break when schema changes.
// Column order must match scanAgentFromRows().
const agentsColumns = `id, name, description, ai_model, provider, initial_funds, current_funds, current_mode, status, preferences, max_position_size, created_at, updated_at`

// Repository handles agent database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new agent repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "agents").Logger(),
	}
}

// Create inserts a new agent. A missing ID is generated.
func (r *Repository) Create(agent *domain.Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CurrentMode == "" {
		agent.CurrentMode = domain.ModeTrading
	}
	if agent.Status == "" {
		agent.Status = domain.AgentActive
	}

	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	query := `
		INSERT INTO agents
		(id, name, description, ai_model, provider, initial_funds, current_funds,
		 current_mode, status, preferences, max_position_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		agent.ID,
		strings.TrimSpace(agent.Name),
		agent.Description,
		agent.AIModel,
		agent.Provider,
		agent.InitialFunds.String(),
		agent.CurrentFunds.String(),
		string(agent.CurrentMode),
		string(agent.Status),
		agent.Preferences,
		agent.MaxPositionSize,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	r.log.Info().
		Str("agent_id", agent.ID).
		Str("name", agent.Name).
		Str("model", agent.AIModel).
		Msg("Agent created")

	return nil
}

// GetByID retrieves an agent by ID
func (r *Repository) GetByID(id string) (*domain.Agent, error) {
	query := "SELECT " + agentsColumns + " FROM agents WHERE id = ?"

	rows, err := r.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get agent: %w", err)
		}
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrAgentNotFound)
	}

	agent, err := scanAgentFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	return &agent, nil
}

// List retrieves all agents ordered by creation time
func (r *Repository) List() ([]domain.Agent, error) {
	query := "SELECT " + agentsColumns + " FROM agents ORDER BY created_at ASC"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgentFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// Update persists mutable agent fields (name, description, model, mode,
// status, preferences, max position size).
func (r *Repository) Update(agent *domain.Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	now := time.Now().UTC()

	query := `
		UPDATE agents
		SET name = ?, description = ?, ai_model = ?, provider = ?,
		    current_mode = ?, status = ?, preferences = ?, max_position_size = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query,
		strings.TrimSpace(agent.Name),
		agent.Description,
		agent.AIModel,
		agent.Provider,
		string(agent.CurrentMode),
		string(agent.Status),
		agent.Preferences,
		agent.MaxPositionSize,
		now.Unix(),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agent.ID, domain.ErrAgentNotFound)
	}

	agent.UpdatedAt = now
	return nil
}

// UpdateStatus sets the persistent agent status.
func (r *Repository) UpdateStatus(id string, status domain.AgentStatus) error {
	result, err := r.db.Exec(
		"UPDATE agents SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", id, domain.ErrAgentNotFound)
	}

	return nil
}

// Delete removes an agent. Sessions, transactions, holdings and performance
// rows follow via ON DELETE CASCADE.
func (r *Repository) Delete(id string) error {
	result, err := r.db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", id, domain.ErrAgentNotFound)
	}

	r.log.Info().Str("agent_id", id).Msg("Agent deleted")
	return nil
}

// GetFundsTx reads current funds inside an open transaction.
func GetFundsTx(tx *sql.Tx, agentID string) (decimal.Decimal, error) {
	var funds string
	err := tx.QueryRow("SELECT current_funds FROM agents WHERE id = ?", agentID).Scan(&funds)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get agent funds: %w", err)
	}

	d, err := decimal.NewFromString(funds)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse agent funds: %w", err)
	}
	return d, nil
}

// SetFundsTx writes current funds inside an open transaction.
func SetFundsTx(tx *sql.Tx, agentID string, funds decimal.Decimal) error {
	result, err := tx.Exec(
		"UPDATE agents SET current_funds = ?, updated_at = ? WHERE id = ?",
		funds.String(), time.Now().UTC().Unix(), agentID,
	)
	if err != nil {
		return fmt.Errorf("failed to set agent funds: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set agent funds: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
	}

	return nil
}

func scanAgentFromRows(rows *sql.Rows) (domain.Agent, error) {
	var (
		agent                domain.Agent
		initial, current     string
		mode, status         string
		createdAt, updatedAt int64
	)

	err := rows.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Description,
		&agent.AIModel,
		&agent.Provider,
		&initial,
		&current,
		&mode,
		&status,
		&agent.Preferences,
		&agent.MaxPositionSize,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return agent, err
	}

	agent.InitialFunds, err = decimal.NewFromString(initial)
	if err != nil {
		return agent, fmt.Errorf("invalid initial_funds: %w", err)
	}
	agent.CurrentFunds, err = decimal.NewFromString(current)
	if err != nil {
		return agent, fmt.Errorf("invalid current_funds: %w", err)
	}

	agent.CurrentMode = domain.AgentMode(mode)
	agent.Status = domain.AgentStatus(status)
	agent.CreatedAt = time.Unix(createdAt, 0).UTC()
	agent.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return agent, nil
}
