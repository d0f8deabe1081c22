// Package metrics derives daily performance rows from the executed trade
// history: FIFO realized P&L, unrealized P&L, drawdown and the risk ratios.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// Minimum history before the statistical ratios are published.
const (
	minReturnPoints   = 20
	minValuePoints    = 2
	tradingDaysPerYr  = 252
)

// PriceProvider resolves the current market price for a ticker.
// A failed lookup makes that holding contribute zero instead of failing the
// whole recompute.
type PriceProvider interface {
	CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// DBTX is satisfied by *sql.DB and *sql.Tx so the recompute can run either
// standalone or inside the atomic trade transaction.
type DBTX interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Engine computes and stores DailyPerformance rows.
type Engine struct {
	prices PriceProvider
	log    zerolog.Logger
}

// NewEngine creates a new metrics engine
func NewEngine(prices PriceProvider, log zerolog.Logger) *Engine {
	return &Engine{
		prices: prices,
		log:    log.With().Str("module", "metrics").Logger(),
	}
}

// fifoLot is one open BUY lot awaiting FIFO matching.
type fifoLot struct {
	quantity int64
	price    decimal.Decimal
}

// FIFOResult summarizes the realized side of the trade history.
type FIFOResult struct {
	RealizedPnL  decimal.Decimal
	WinningSells int64
	SellCount    int64
	TotalTrades  int64
}

// ComputeFIFO matches SELLs against the oldest remaining BUY lots per ticker
// and accumulates realized P&L (gross of commissions) plus the count of
// profitable sells.
func ComputeFIFO(txns []domain.Transaction) FIFOResult {
	res := FIFOResult{RealizedPnL: decimal.Zero}
	lots := make(map[string][]fifoLot)

	for _, txn := range txns {
		if !strings.EqualFold(string(txn.Status), string(domain.TxExecuted)) {
			continue
		}
		res.TotalTrades++

		switch {
		case strings.EqualFold(string(txn.Action), string(domain.ActionBuy)):
			lots[txn.Ticker] = append(lots[txn.Ticker], fifoLot{quantity: txn.Quantity, price: txn.Price})

		case strings.EqualFold(string(txn.Action), string(domain.ActionSell)):
			res.SellCount++

			remaining := txn.Quantity
			sellPnL := decimal.Zero
			queue := lots[txn.Ticker]

			for remaining > 0 && len(queue) > 0 {
				lot := &queue[0]
				matched := lot.quantity
				if matched > remaining {
					matched = remaining
				}

				diff := txn.Price.Sub(lot.price).Mul(decimal.NewFromInt(matched))
				sellPnL = sellPnL.Add(diff)

				lot.quantity -= matched
				remaining -= matched
				if lot.quantity == 0 {
					queue = queue[1:]
				}
			}
			lots[txn.Ticker] = queue

			res.RealizedPnL = res.RealizedPnL.Add(sellPnL)
			if sellPnL.IsPositive() {
				res.WinningSells++
			}
		}
	}

	return res
}

// MaxDrawdown returns the largest peak-to-trough decline of the value
// series as a percentage, or nil when fewer than two points exist.
func MaxDrawdown(values []float64) *decimal.Decimal {
	if len(values) < minValuePoints {
		return nil
	}

	peak := values[0]
	maxDD := 0.0
	for _, v := range values[1:] {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	out := decimal.NewFromFloat(maxDD * 100)
	return &out
}

// SharpeRatio annualizes mean/stdev of daily returns. Returns nil when the
// series is shorter than 20 points; zero when the variance is zero.
func SharpeRatio(returns []float64) *decimal.Decimal {
	if len(returns) < minReturnPoints {
		return nil
	}

	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		zero := decimal.Zero
		return &zero
	}

	out := decimal.NewFromFloat(mean / sd * math.Sqrt(tradingDaysPerYr))
	return &out
}

// SortinoRatio annualizes mean/downside-deviation of daily returns, where
// the deviation only counts negative returns. Same data thresholds as
// SharpeRatio.
func SortinoRatio(returns []float64) *decimal.Decimal {
	if len(returns) < minReturnPoints {
		return nil
	}

	mean := stat.Mean(returns, nil)

	var sumSq float64
	var n int
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
			n++
		}
	}
	if n == 0 {
		zero := decimal.Zero
		return &zero
	}
	downside := math.Sqrt(sumSq / float64(n))
	if downside == 0 {
		zero := decimal.Zero
		return &zero
	}

	out := decimal.NewFromFloat(mean / downside * math.Sqrt(tradingDaysPerYr))
	return &out
}

// CalmarRatio divides the annualized return by the max drawdown. Nil when
// either input is undefined or the drawdown is zero.
func CalmarRatio(returns []float64, maxDrawdown *decimal.Decimal) *decimal.Decimal {
	if maxDrawdown == nil || len(returns) == 0 {
		return nil
	}
	dd, _ := maxDrawdown.Float64()
	if dd <= 0 {
		return nil
	}

	annualized := stat.Mean(returns, nil) * tradingDaysPerYr * 100
	out := decimal.NewFromFloat(annualized / dd)
	return &out
}

// Recompute derives and upserts today's DailyPerformance row for the agent.
// Running it twice on the same date yields an identical row. Price fetch
// failures contribute zero for that holding.
func (e *Engine) Recompute(ctx context.Context, q DBTX, agent *domain.Agent, cash decimal.Decimal, date string) (*domain.DailyPerformance, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	txns, err := listExecuted(q, agent.ID)
	if err != nil {
		return nil, err
	}
	holdings, err := listHoldings(q, agent.ID)
	if err != nil {
		return nil, err
	}

	fifo := ComputeFIFO(txns)

	// Mark-to-market the open positions.
	unrealized := decimal.Zero
	holdingsValue := decimal.Zero
	for _, h := range holdings {
		price, err := e.currentPrice(ctx, h.Ticker)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", h.Ticker).Msg("Price lookup failed, holding contributes 0")
			continue
		}
		qty := decimal.NewFromInt(h.Quantity)
		unrealized = unrealized.Add(price.Sub(h.AverageCost).Mul(qty))
		holdingsValue = holdingsValue.Add(price.Mul(qty))
	}

	totalValue := cash.Add(holdingsValue)

	totalReturn := decimal.Zero
	if agent.InitialFunds.IsPositive() {
		totalReturn = totalValue.Sub(agent.InitialFunds).Div(agent.InitialFunds)
	}

	// History excludes today so the recompute stays idempotent.
	history, err := listHistoryBefore(q, agent.ID, date)
	if err != nil {
		return nil, err
	}

	var dailyReturn *decimal.Decimal
	if len(history) > 0 {
		prev := history[len(history)-1].totalValue
		if prev.IsPositive() {
			d := totalValue.Sub(prev).Div(prev)
			dailyReturn = &d
		}
	}

	values := make([]float64, 0, len(history)+1)
	returns := make([]float64, 0, len(history)+1)
	for _, row := range history {
		v, _ := row.totalValue.Float64()
		values = append(values, v)
		if row.dailyReturn != nil {
			r, _ := row.dailyReturn.Float64()
			returns = append(returns, r)
		}
	}
	v, _ := totalValue.Float64()
	values = append(values, v)
	if dailyReturn != nil {
		r, _ := dailyReturn.Float64()
		returns = append(returns, r)
	}

	maxDD := MaxDrawdown(values)
	sharpe := SharpeRatio(returns)
	sortino := SortinoRatio(returns)
	calmar := CalmarRatio(returns, maxDD)

	// Published win_rate is the sell completion rate; the FIFO-correct
	// winner count is stored alongside in winning_trades_correct.
	var winRate *decimal.Decimal
	if fifo.TotalTrades > 0 {
		w := decimal.NewFromInt(fifo.SellCount).
			Div(decimal.NewFromInt(fifo.TotalTrades)).
			Mul(decimal.NewFromInt(100))
		winRate = &w
	}

	perf := &domain.DailyPerformance{
		AgentID:              agent.ID,
		Date:                 date,
		TotalValue:           totalValue,
		CashBalance:          cash,
		UnrealizedPnL:        unrealized,
		RealizedPnL:          fifo.RealizedPnL,
		TotalReturn:          totalReturn,
		DailyReturn:          dailyReturn,
		WinRate:              winRate,
		MaxDrawdown:          maxDD,
		SharpeRatio:          sharpe,
		SortinoRatio:         sortino,
		CalmarRatio:          calmar,
		TotalTrades:          fifo.TotalTrades,
		SellTradesCount:      fifo.SellCount,
		WinningTradesCorrect: fifo.WinningSells,
	}

	if err := upsertPerformance(q, perf); err != nil {
		return nil, err
	}

	return perf, nil
}

func (e *Engine) currentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, fmt.Errorf("no price provider configured")
	}
	return e.prices.CurrentPrice(ctx, ticker)
}
