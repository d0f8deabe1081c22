package trading

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/sessions"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TradeRequest is one order as the agent tools submit it.
type TradeRequest struct {
	Ticker         string          `json:"ticker"`
	CompanyName    string          `json:"company_name"`
	Action         string          `json:"action"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	DecisionReason string          `json:"decision_reason"`
}

// TradeResult reports one executed order back to the caller.
type TradeResult struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id"`
	SessionID     string          `json:"session_id,omitempty"`
	Ticker        string          `json:"ticker"`
	Action        string          `json:"action"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Commission    decimal.Decimal `json:"commission"`
	FundsAfter    decimal.Decimal `json:"funds_after"`
	Message       string          `json:"message"`
}

// Service executes trades atomically: the transaction row, the holding
// update, the funds update and the performance recompute commit together or
// not at all.
type Service struct {
	db       *sql.DB
	agents   *agents.Repository
	sessions *sessions.Service
	txns     *TransactionRepository
	holdings *HoldingRepository
	engine   *metrics.Engine
	hub      *events.Hub
	log      zerolog.Logger
}

// NewService creates a new trading service
func NewService(
	db *sql.DB,
	agentRepo *agents.Repository,
	sessionSvc *sessions.Service,
	txnRepo *TransactionRepository,
	holdingRepo *HoldingRepository,
	engine *metrics.Engine,
	hub *events.Hub,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:       db,
		agents:   agentRepo,
		sessions: sessionSvc,
		txns:     txnRepo,
		holdings: holdingRepo,
		engine:   engine,
		hub:      hub,
		log:      log.With().Str("service", "trading").Logger(),
	}
}

// ExecuteTrade validates and executes one order for the agent. The order is
// attached to the agent's RUNNING session when one exists. All writes happen
// inside one database transaction; a failure at any step leaves no trace.
func (s *Service) ExecuteTrade(ctx context.Context, agentID string, req TradeRequest) (*TradeResult, error) {
	agent, err := s.agents.GetByID(agentID)
	if err != nil {
		return nil, err
	}

	side, err := domain.ValidateOrder(req.Action, req.Quantity, req.Price)
	if err != nil {
		return nil, err
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", domain.ErrValidation)
	}

	sessionID := ""
	if running, sessErr := s.sessions.Running(agentID); sessErr == nil {
		sessionID = running.ID
	}

	total := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	commission := domain.CommissionFor(req.Quantity, req.Price)

	txn := &domain.Transaction{
		AgentID:        agentID,
		SessionID:      sessionID,
		Ticker:         ticker,
		CompanyName:    req.CompanyName,
		Action:         side,
		Quantity:       req.Quantity,
		Price:          req.Price,
		TotalAmount:    total,
		Commission:     commission,
		Status:         domain.TxExecuted,
		ExecutionTime:  time.Now().UTC(),
		DecisionReason: req.DecisionReason,
	}

	var fundsAfter decimal.Decimal
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		funds, err := agents.GetFundsTx(tx, agentID)
		if err != nil {
			return err
		}

		holding, err := GetHoldingTx(tx, agentID, ticker)
		if err != nil {
			return err
		}

		switch side {
		case domain.ActionBuy:
			cost := total.Add(commission)
			if funds.LessThan(cost) {
				return fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, cost, funds)
			}
			fundsAfter = funds.Sub(cost)

			if holding == nil {
				holding = &domain.Holding{AgentID: agentID, Ticker: ticker}
			}
			// Weighted average cost over the combined position.
			oldQty := decimal.NewFromInt(holding.Quantity)
			newQty := decimal.NewFromInt(holding.Quantity + req.Quantity)
			holding.AverageCost = holding.AverageCost.Mul(oldQty).Add(total).Div(newQty)
			holding.Quantity += req.Quantity
			if req.CompanyName != "" {
				holding.CompanyName = req.CompanyName
			}

		case domain.ActionSell:
			if holding == nil || holding.Quantity < req.Quantity {
				have := int64(0)
				if holding != nil {
					have = holding.Quantity
				}
				return fmt.Errorf("%w: need %d shares of %s, have %d",
					domain.ErrInsufficientHoldings, req.Quantity, ticker, have)
			}
			fundsAfter = funds.Add(total.Sub(commission))
			holding.Quantity -= req.Quantity
		}

		// The four writes form one savepointed scope: a failure at any
		// step unwinds all of them while the outer transaction stays
		// usable.
		return database.WithSavepoint(tx, "trade_write", func(tx *sql.Tx) error {
			if err := s.txns.CreateTx(tx, txn); err != nil {
				return err
			}
			if err := UpsertHoldingTx(tx, holding); err != nil {
				return err
			}
			if err := agents.SetFundsTx(tx, agentID, fundsAfter); err != nil {
				return err
			}

			// The recompute sees this transaction's uncommitted writes
			// and rolls back with them on failure.
			_, err := s.engine.Recompute(ctx, tx, agent, fundsAfter, "")
			return err
		})
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("agent_id", agentID).
			Str("ticker", ticker).
			Str("action", string(side)).
			Msg("Trade rejected")
		return nil, err
	}

	s.log.Info().
		Str("agent_id", agentID).
		Str("transaction_id", txn.ID).
		Str("ticker", ticker).
		Str("action", string(side)).
		Int64("quantity", req.Quantity).
		Str("price", req.Price.String()).
		Msg("Trade executed")

	s.hub.EmitTradeExecution(agentID, map[string]any{
		"transaction_id": txn.ID,
		"session_id":     sessionID,
		"ticker":         ticker,
		"action":         string(side),
		"quantity":       req.Quantity,
		"price":          req.Price,
		"commission":     commission,
	})
	s.hub.EmitPortfolioUpdate(agentID, map[string]any{
		"cash_balance": fundsAfter,
	})

	return &TradeResult{
		Success:       true,
		TransactionID: txn.ID,
		SessionID:     sessionID,
		Ticker:        ticker,
		Action:        string(side),
		Quantity:      req.Quantity,
		Price:         req.Price,
		Commission:    commission,
		FundsAfter:    fundsAfter,
		Message:       fmt.Sprintf("%s %d %s @ %s", side, req.Quantity, ticker, req.Price),
	}, nil
}

// Portfolio is the live snapshot the REST surface serves.
type Portfolio struct {
	AgentID       string          `json:"agent_id"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Holdings      []PortfolioItem `json:"holdings"`
}

// PortfolioItem is one marked-to-market position.
type PortfolioItem struct {
	Ticker        string           `json:"ticker"`
	CompanyName   string           `json:"company_name"`
	Quantity      int64            `json:"quantity"`
	AverageCost   decimal.Decimal  `json:"average_cost"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	MarketValue   *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// GetPortfolio marks the agent's open positions to market. A failed price
// lookup leaves that position's market fields null instead of failing the
// snapshot.
func (s *Service) GetPortfolio(ctx context.Context, agentID string, prices metrics.PriceProvider) (*Portfolio, error) {
	agent, err := s.agents.GetByID(agentID)
	if err != nil {
		return nil, err
	}

	holdings, err := s.holdings.ListByAgent(agentID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		AgentID:       agentID,
		CashBalance:   agent.CurrentFunds,
		HoldingsValue: decimal.Zero,
		Holdings:      make([]PortfolioItem, 0, len(holdings)),
	}

	for _, h := range holdings {
		item := PortfolioItem{
			Ticker:      h.Ticker,
			CompanyName: h.CompanyName,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost,
		}
		if prices != nil {
			if price, perr := prices.CurrentPrice(ctx, h.Ticker); perr == nil {
				qty := decimal.NewFromInt(h.Quantity)
				mv := price.Mul(qty)
				pnl := price.Sub(h.AverageCost).Mul(qty)
				item.CurrentPrice = &price
				item.MarketValue = &mv
				item.UnrealizedPnL = &pnl
				p.HoldingsValue = p.HoldingsValue.Add(mv)
			} else {
				s.log.Warn().Err(perr).Str("ticker", h.Ticker).Msg("Price lookup failed for portfolio")
			}
		}
		p.Holdings = append(p.Holdings, item)
	}

	p.TotalValue = p.CashBalance.Add(p.HoldingsValue)
	return p, nil
}
