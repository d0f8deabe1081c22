package metrics

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const performanceColumns = `agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl, total_return, daily_return, win_rate, max_drawdown, sharpe_ratio, sortino_ratio, calmar_ratio, total_trades, sell_trades_count, winning_trades_correct, created_at, updated_at`

// PerformanceRepository serves the stored DailyPerformance rows.
type PerformanceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPerformanceRepository creates a new performance repository
func NewPerformanceRepository(db *sql.DB, log zerolog.Logger) *PerformanceRepository {
	return &PerformanceRepository{
		db:  db,
		log: log.With().Str("repo", "performance").Logger(),
	}
}

// History retrieves DailyPerformance rows for an agent. order is "asc" or
// "desc" by date (default desc).
func (r *PerformanceRepository) History(agentID string, limit int, order string) ([]domain.DailyPerformance, error) {
	if limit <= 0 {
		limit = 30
	}
	dir := "DESC"
	if strings.EqualFold(order, "asc") {
		dir = "ASC"
	}

	query := `
		SELECT ` + performanceColumns + ` FROM agent_performance
		WHERE agent_id = ?
		ORDER BY date ` + dir + `
		LIMIT ?
	`

	rows, err := r.db.Query(query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get performance history: %w", err)
	}
	defer rows.Close()

	var result []domain.DailyPerformance
	for rows.Next() {
		perf, err := scanPerformanceFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan performance row: %w", err)
		}
		result = append(result, perf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance rows: %w", err)
	}

	return result, nil
}

// GetByDate retrieves one DailyPerformance row.
func (r *PerformanceRepository) GetByDate(agentID, date string) (*domain.DailyPerformance, error) {
	query := "SELECT " + performanceColumns + " FROM agent_performance WHERE agent_id = ? AND date = ?"

	rows, err := r.db.Query(query, agentID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get performance row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get performance row: %w", err)
		}
		return nil, sql.ErrNoRows
	}

	perf, err := scanPerformanceFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan performance row: %w", err)
	}

	return &perf, nil
}

// Internal reads used by the engine. They accept a DBTX so the atomic trade
// transaction sees its own uncommitted writes.

func listExecuted(q DBTX, agentID string) ([]domain.Transaction, error) {
	query := `
		SELECT id, agent_id, session_id, ticker, company_name, action, quantity, price,
		       total_amount, commission, status, execution_time, decision_reason, created_at
		FROM transactions
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
		var (
			txn                      domain.Transaction
			sessionID                sql.NullString
			action, status           string
			price, total, fee        string
			executionTime, createdAt int64
		)
		err := rows.Scan(
			&txn.ID, &txn.AgentID, &sessionID, &txn.Ticker, &txn.CompanyName,
			&action, &txn.Quantity, &price, &total, &fee, &status,
			&executionTime, &txn.DecisionReason, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		if sessionID.Valid {
			txn.SessionID = sessionID.String
		}
		txn.Action = domain.TradeAction(strings.ToUpper(action))
		txn.Status = domain.TransactionStatus(strings.ToUpper(status))
		txn.ExecutionTime = time.Unix(executionTime, 0).UTC()
		txn.CreatedAt = time.Unix(createdAt, 0).UTC()
		if txn.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid price: %w", err)
		}
		if txn.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invalid total_amount: %w", err)
		}
		if txn.Commission, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("invalid commission: %w", err)
		}

		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

func listHoldings(q DBTX, agentID string) ([]domain.Holding, error) {
	query := `
		SELECT agent_id, ticker, quantity, average_cost, company_name
		FROM agent_holdings
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
		var (
			h       domain.Holding
			avgCost string
		)
		if err := rows.Scan(&h.AgentID, &h.Ticker, &h.Quantity, &avgCost, &h.CompanyName); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if h.AverageCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, fmt.Errorf("invalid average_cost: %w", err)
		}
		holdings = append(holdings, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}

	return holdings, nil
}

type historyRow struct {
	date        string
	totalValue  decimal.Decimal
	dailyReturn *decimal.Decimal
}

func listHistoryBefore(q DBTX, agentID, date string) ([]historyRow, error) {
	query := `
		SELECT date, total_value, daily_return
		FROM agent_performance
		WHERE agent_id = ? AND date < ?
		ORDER BY date ASC
	`

	rows, err := q.Query(query, agentID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list performance history: %w", err)
	}
	defer rows.Close()

	var result []historyRow
	for rows.Next() {
		var (
			row   historyRow
			total string
			dr    sql.NullString
		)
		if err := rows.Scan(&row.date, &total, &dr); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if row.totalValue, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invalid total_value: %w", err)
		}
		if dr.Valid {
			d, err := decimal.NewFromString(dr.String)
			if err != nil {
				return nil, fmt.Errorf("invalid daily_return: %w", err)
			}
			row.dailyReturn = &d
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}

	return result, nil
}

func upsertPerformance(q DBTX, perf *domain.DailyPerformance) error {
	now := time.Now().UTC()
	perf.UpdatedAt = now

	query := `
		INSERT INTO agent_performance
		(agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl,
		 total_return, daily_return, win_rate, max_drawdown, sharpe_ratio,
		 sortino_ratio, calmar_ratio, total_trades, sell_trades_count,
		 winning_trades_correct, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, date) DO UPDATE SET
			total_value = excluded.total_value,
			cash_balance = excluded.cash_balance,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			total_return = excluded.total_return,
			daily_return = excluded.daily_return,
			win_rate = excluded.win_rate,
			max_drawdown = excluded.max_drawdown,
			sharpe_ratio = excluded.sharpe_ratio,
			sortino_ratio = excluded.sortino_ratio,
			calmar_ratio = excluded.calmar_ratio,
			total_trades = excluded.total_trades,
			sell_trades_count = excluded.sell_trades_count,
			winning_trades_correct = excluded.winning_trades_correct,
			updated_at = excluded.updated_at
	`

	_, err := q.Exec(query,
		perf.AgentID,
		perf.Date,
		perf.TotalValue.String(),
		perf.CashBalance.String(),
		perf.UnrealizedPnL.String(),
		perf.RealizedPnL.String(),
		perf.TotalReturn.String(),
		nullDecimal(perf.DailyReturn),
		nullDecimal(perf.WinRate),
		nullDecimal(perf.MaxDrawdown),
		nullDecimal(perf.SharpeRatio),
		nullDecimal(perf.SortinoRatio),
		nullDecimal(perf.CalmarRatio),
		perf.TotalTrades,
		perf.SellTradesCount,
		perf.WinningTradesCorrect,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert performance row: %w", err)
	}

	return nil
}

func scanPerformanceFromRows(rows *sql.Rows) (domain.DailyPerformance, error) {
	var (
		perf                             domain.DailyPerformance
		total, cash, unreal, real, tret  string
		dr, wr, dd, sharpe, sortino, cal sql.NullString
		createdAt, updatedAt             int64
	)

	err := rows.Scan(
		&perf.AgentID, &perf.Date, &total, &cash, &unreal, &real, &tret,
		&dr, &wr, &dd, &sharpe, &sortino, &cal,
		&perf.TotalTrades, &perf.SellTradesCount, &perf.WinningTradesCorrect,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return perf, err
	}

	if perf.TotalValue, err = decimal.NewFromString(total); err != nil {
		return perf, fmt.Errorf("invalid total_value: %w", err)
	}
	if perf.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return perf, fmt.Errorf("invalid cash_balance: %w", err)
	}
	if perf.UnrealizedPnL, err = decimal.NewFromString(unreal); err != nil {
		return perf, fmt.Errorf("invalid unrealized_pnl: %w", err)
	}
	if perf.RealizedPnL, err = decimal.NewFromString(real); err != nil {
		return perf, fmt.Errorf("invalid realized_pnl: %w", err)
	}
	if perf.TotalReturn, err = decimal.NewFromString(tret); err != nil {
		return perf, fmt.Errorf("invalid total_return: %w", err)
	}

	if perf.DailyReturn, err = parseNullDecimal(dr); err != nil {
		return perf, err
	}
	if perf.WinRate, err = parseNullDecimal(wr); err != nil {
		return perf, err
	}
	if perf.MaxDrawdown, err = parseNullDecimal(dd); err != nil {
		return perf, err
	}
	if perf.SharpeRatio, err = parseNullDecimal(sharpe); err != nil {
		return perf, err
	}
	if perf.SortinoRatio, err = parseNullDecimal(sortino); err != nil {
		return perf, err
	}
	if perf.CalmarRatio, err = parseNullDecimal(cal); err != nil {
		return perf, err
	}

	perf.CreatedAt = time.Unix(createdAt, 0).UTC()
	perf.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return perf, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal column: %w", err)
	}
	return &d, nil
}
