// Package trading implements atomic trade execution, the per-agent
// single-flight registry, and execution orchestration.
package trading

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// transactionsColumns is the list of columns for the transactions table.
// Column order must match scanTransactionFromRows().
const transactionsColumns = `id, agent_id, session_id, ticker, company_name, action, quantity, price, total_amount, commission, status, execution_time, decision_reason, created_at`

// Queryer is satisfied by *sql.DB and *sql.Tx so reads can run either
// standalone or inside the atomic trade transaction.
type Queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

// CreateTx inserts a transaction row inside an open transaction.
// A missing ID is generated.
func (r *TransactionRepository) CreateTx(tx *sql.Tx, txn *domain.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	txn.CreatedAt = now
	if txn.ExecutionTime.IsZero() {
		txn.ExecutionTime = now
	}

	query := `
		INSERT INTO transactions
		(id, agent_id, session_id, ticker, company_name, action, quantity, price,
		 total_amount, commission, status, execution_time, decision_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.Exec(query,
		txn.ID,
		txn.AgentID,
		nullString(txn.SessionID),
		strings.ToUpper(strings.TrimSpace(txn.Ticker)),
		txn.CompanyName,
		string(txn.Action),
		txn.Quantity,
		txn.Price.String(),
		txn.TotalAmount.String(),
		txn.Commission.String(),
		string(txn.Status),
		txn.ExecutionTime.Unix(),
		txn.DecisionReason,
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a transaction by ID
func (r *TransactionRepository) GetByID(id string) (*domain.Transaction, error) {
	query := "SELECT " + transactionsColumns + " FROM transactions WHERE id = ?"

	rows, err := r.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get transaction: %w", err)
		}
		return nil, sql.ErrNoRows
	}

	txn, err := scanTransactionFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	return &txn, nil
}

// ListExecutedByAgent retrieves all EXECUTED transactions for an agent in
// chronological order. This is the authoritative input for holdings and
// performance derivation. Accepts a Queryer so it can run inside the atomic
// trade transaction.
func ListExecutedByAgent(q Queryer, agentID string) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionsColumns + ` FROM transactions
		WHERE agent_id = ? AND UPPER(status) = 'EXECUTED'
		ORDER BY execution_time ASC, created_at ASC
	`

	rows, err := q.Query(query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executed transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransactionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// ListBySession retrieves all transactions created by a session.
func (r *TransactionRepository) ListBySession(sessionID string) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionsColumns + ` FROM transactions
		WHERE session_id = ?
		ORDER BY execution_time ASC, created_at ASC
	`

	rows, err := r.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransactionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// SessionAggregates summarizes the trades a session produced.
type SessionAggregates struct {
	TradeCount    int             `json:"trade_count"`
	FilledCount   int             `json:"filled_count"`
	TotalNotional decimal.Decimal `json:"total_notional"`
}

// AggregatesForSession computes trade_count / filled_count / total_notional
// for one session. Status and action values are compared case-insensitively
// so legacy lowercase rows still count.
func (r *TransactionRepository) AggregatesForSession(sessionID string) (*SessionAggregates, error) {
	txns, err := r.ListBySession(sessionID)
	if err != nil {
		return nil, err
	}

	agg := &SessionAggregates{TotalNotional: decimal.Zero}
	for _, txn := range txns {
		agg.TradeCount++
		if strings.EqualFold(string(txn.Status), string(domain.TxExecuted)) {
			agg.FilledCount++
			agg.TotalNotional = agg.TotalNotional.Add(txn.TotalAmount)
		}
	}

	return agg, nil
}

func scanTransactionFromRows(rows *sql.Rows) (domain.Transaction, error) {
	var (
		txn                          domain.Transaction
		sessionID                    sql.NullString
		action, status               string
		price, totalAmount, fee      string
		executionTime, createdAt     int64
	)

	err := rows.Scan(
		&txn.ID,
		&txn.AgentID,
		&sessionID,
		&txn.Ticker,
		&txn.CompanyName,
		&action,
		&txn.Quantity,
		&price,
		&totalAmount,
		&fee,
		&status,
		&executionTime,
		&txn.DecisionReason,
		&createdAt,
	)
	if err != nil {
		return txn, err
	}

	if sessionID.Valid {
		txn.SessionID = sessionID.String
	}
	txn.Action = domain.TradeAction(strings.ToUpper(action))
	txn.Status = domain.TransactionStatus(strings.ToUpper(status))
	txn.ExecutionTime = time.Unix(executionTime, 0).UTC()
	txn.CreatedAt = time.Unix(createdAt, 0).UTC()

	if txn.Price, err = decimal.NewFromString(price); err != nil {
		return txn, fmt.Errorf("invalid price: %w", err)
	}
	if txn.TotalAmount, err = decimal.NewFromString(totalAmount); err != nil {
		return txn, fmt.Errorf("invalid total_amount: %w", err)
	}
	if txn.Commission, err = decimal.NewFromString(fee); err != nil {
		return txn, fmt.Errorf("invalid commission: %w", err)
	}

	return txn, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
