package trading

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const holdingsColumns = `agent_id, ticker, quantity, average_cost, company_name, created_at, updated_at`

// HoldingRepository handles per-agent position rows.
type HoldingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHoldingRepository creates a new holding repository
func NewHoldingRepository(db *sql.DB, log zerolog.Logger) *HoldingRepository {
	return &HoldingRepository{
		db:  db,
		log: log.With().Str("repo", "holdings").Logger(),
	}
}

// ListByAgent retrieves the agent's open positions (quantity > 0).
// Accepts a Queryer so it can run inside the atomic trade transaction.
func ListHoldingsByAgent(q Queryer, agentID string) ([]domain.Holding, error) {
	query := `
		SELECT ` + holdingsColumns + ` FROM agent_holdings
		WHERE agent_id = ? AND quantity > 0
		ORDER BY ticker ASC
	`

	rows, err := q.Query(query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		h, err := scanHoldingFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}

	return holdings, nil
}

// ListByAgent retrieves the agent's open positions.
func (r *HoldingRepository) ListByAgent(agentID string) ([]domain.Holding, error) {
	return ListHoldingsByAgent(r.db, agentID)
}

// GetTx reads one holding inside an open transaction. Returns nil when the
// agent has no position in the ticker.
func GetHoldingTx(tx *sql.Tx, agentID, ticker string) (*domain.Holding, error) {
	query := "SELECT " + holdingsColumns + " FROM agent_holdings WHERE agent_id = ? AND ticker = ?"

	rows, err := tx.Query(query, agentID, strings.ToUpper(strings.TrimSpace(ticker)))
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get holding: %w", err)
		}
		return nil, nil
	}

	h, err := scanHoldingFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan holding: %w", err)
	}

	return &h, nil
}

// UpsertTx writes a holding inside an open transaction. A zero quantity
// resets average cost to 0 and keeps the row for audit.
func UpsertHoldingTx(tx *sql.Tx, h *domain.Holding) error {
	if h.Quantity < 0 {
		return fmt.Errorf("%w: holding quantity cannot be negative", domain.ErrValidation)
	}
	if h.Quantity == 0 {
		h.AverageCost = decimal.Zero
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO agent_holdings
		(agent_id, ticker, quantity, average_cost, company_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, ticker) DO UPDATE SET
			quantity = excluded.quantity,
			average_cost = excluded.average_cost,
			company_name = CASE WHEN excluded.company_name != '' THEN excluded.company_name ELSE agent_holdings.company_name END,
			updated_at = excluded.updated_at
	`

	_, err := tx.Exec(query,
		h.AgentID,
		strings.ToUpper(strings.TrimSpace(h.Ticker)),
		h.Quantity,
		h.AverageCost.String(),
		h.CompanyName,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}

	h.UpdatedAt = now
	return nil
}

func scanHoldingFromRows(rows *sql.Rows) (domain.Holding, error) {
	var (
		h                    domain.Holding
		avgCost              string
		createdAt, updatedAt int64
	)

	err := rows.Scan(
		&h.AgentID,
		&h.Ticker,
		&h.Quantity,
		&avgCost,
		&h.CompanyName,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return h, err
	}

	h.AverageCost, err = decimal.NewFromString(avgCost)
	if err != nil {
		return h, fmt.Errorf("invalid average_cost: %w", err)
	}
	h.CreatedAt = time.Unix(createdAt, 0).UTC()
	h.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return h, nil
}
