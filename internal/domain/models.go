// Package domain defines the core entities shared across modules.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AgentMode determines the tool set an execution is assembled with.
type AgentMode string

const (
	ModeTrading     AgentMode = "TRADING"
	ModeRebalancing AgentMode = "REBALANCING"
)

// ParseAgentMode validates a mode string (case-insensitive).
func ParseAgentMode(s string) (AgentMode, error) {
	switch AgentMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeTrading:
		return ModeTrading, nil
	case ModeRebalancing:
		return ModeRebalancing, nil
	default:
		return "", fmt.Errorf("%w: unknown agent mode %q", ErrValidation, s)
	}
}

// AgentStatus is the persistent status of an agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "ACTIVE"
	AgentInactive  AgentStatus = "INACTIVE"
	AgentError     AgentStatus = "ERROR"
	AgentSuspended AgentStatus = "SUSPENDED"
)

// SessionStatus is the lifecycle state of one bounded execution.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionTimeout   SessionStatus = "TIMEOUT"
)

// Terminal reports whether the status is a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionTimeout:
		return true
	}
	return false
}

// TradeAction is the side of a transaction.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TransactionStatus is the fill state of a transaction.
type TransactionStatus string

const (
	TxPending  TransactionStatus = "PENDING"
	TxExecuted TransactionStatus = "EXECUTED"
	TxFailed   TransactionStatus = "FAILED"
)

// CommissionRate is the Taiwan market brokerage fee applied on both sides.
var CommissionRate = decimal.RequireFromString("0.001425")

// LotSize is the board-lot unit; order quantities must be multiples of it.
const LotSize = 1000

// Agent is a persistent LLM-driven trader.
type Agent struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	AIModel         string          `json:"ai_model"` // references ai_model_configs.model_key
	Provider        string          `json:"provider"`
	InitialFunds    decimal.Decimal `json:"initial_funds"`
	CurrentFunds    decimal.Decimal `json:"current_funds"`
	CurrentMode     AgentMode       `json:"current_mode"`
	Status          AgentStatus     `json:"status"`
	Preferences     string          `json:"investment_preferences"`
	MaxPositionSize float64         `json:"max_position_size"` // percentage of portfolio
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks agent fields before persistence.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: agent name is required", ErrValidation)
	}
	if strings.TrimSpace(a.AIModel) == "" {
		return fmt.Errorf("%w: agent model key is required", ErrValidation)
	}
	if a.InitialFunds.IsNegative() {
		return fmt.Errorf("%w: initial funds must be >= 0", ErrValidation)
	}
	if a.CurrentFunds.IsNegative() {
		return fmt.Errorf("%w: current funds must be >= 0", ErrValidation)
	}
	if a.MaxPositionSize <= 0 || a.MaxPositionSize > 100 {
		return fmt.Errorf("%w: max position size must be in (0, 100]", ErrValidation)
	}
	return nil
}

// Session is one bounded execution of an agent in one mode.
type Session struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	Mode            AgentMode     `json:"mode"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	ExecutionTimeMs *int64        `json:"execution_time_ms,omitempty"`
	InitialInput    string        `json:"initial_input"` // JSON
	FinalOutput     *string       `json:"final_output,omitempty"`
	ToolsCalled     []string      `json:"tools_called"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Transaction is one trade order record. Immutable once EXECUTED.
type Transaction struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Ticker         string            `json:"ticker"`
	CompanyName    string            `json:"company_name"`
	Action         TradeAction       `json:"action"`
	Quantity       int64             `json:"quantity"`
	Price          decimal.Decimal   `json:"price"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	Commission     decimal.Decimal   `json:"commission"`
	Status         TransactionStatus `json:"status"`
	ExecutionTime  time.Time         `json:"execution_time"`
	DecisionReason string            `json:"decision_reason"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ValidateOrder checks the tradable parameters of an order before any
// transaction is opened.
func ValidateOrder(action string, quantity int64, price decimal.Decimal) (TradeAction, error) {
	side := TradeAction(strings.ToUpper(strings.TrimSpace(action)))
	if side != ActionBuy && side != ActionSell {
		return "", fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrValidation, action)
	}
	if quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}
	if quantity%LotSize != 0 {
		return "", fmt.Errorf("%w: quantity must be a multiple of %d, got %d", ErrValidation, LotSize, quantity)
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("%w: price must be positive, got %s", ErrValidation, price)
	}
	return side, nil
}

// CommissionFor computes the brokerage fee for an order.
func CommissionFor(quantity int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity)).Mul(CommissionRate)
}

// Holding is the per-agent position in one ticker.
type Holding struct {
	AgentID     string          `json:"agent_id"`
	Ticker      string          `json:"ticker"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	CompanyName string          `json:"company_name"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DailyPerformance is the derived daily metrics row, one per agent per date.
// Nullable metrics are nil when the history is too short to compute them.
type DailyPerformance struct {
	AgentID              string           `json:"agent_id"`
	Date                 string           `json:"date"` // YYYY-MM-DD UTC
	TotalValue           decimal.Decimal  `json:"total_value"`
	CashBalance          decimal.Decimal  `json:"cash_balance"`
	UnrealizedPnL        decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL          decimal.Decimal  `json:"realized_pnl"`
	TotalReturn          decimal.Decimal  `json:"total_return"`
	DailyReturn          *decimal.Decimal `json:"daily_return,omitempty"`
	WinRate              *decimal.Decimal `json:"win_rate,omitempty"`
	MaxDrawdown          *decimal.Decimal `json:"max_drawdown,omitempty"`
	SharpeRatio          *decimal.Decimal `json:"sharpe_ratio,omitempty"`
	SortinoRatio         *decimal.Decimal `json:"sortino_ratio,omitempty"`
	CalmarRatio          *decimal.Decimal `json:"calmar_ratio,omitempty"`
	TotalTrades          int64            `json:"total_trades"`
	SellTradesCount      int64            `json:"sell_trades_count"`
	WinningTradesCorrect int64            `json:"winning_trades_correct"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// ModelConfig is one row of the AI model catalog.
type ModelConfig struct {
	ModelKey      string    `json:"model_key"`
	DisplayName   string    `json:"display_name"`
	Provider      string    `json:"provider"`
	LiteLLMPrefix string    `json:"litellm_prefix"`
	FullModelName string    `json:"full_model_name"`
	APIKeyEnvVar  string    `json:"api_key_env_var"`
	Enabled       bool      `json:"enabled"`
	CostHint      string    `json:"cost_hint"`
	CreatedAt     time.Time `json:"created_at"`
}
