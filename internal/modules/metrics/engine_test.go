package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "arena.db"),
		Name: "metrics-test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	conn := db.Conn()
	now := time.Now().Unix()
	_, err = conn.Exec(`
		INSERT INTO agents (id, name, ai_model, initial_funds, current_funds, created_at, updated_at)
		VALUES ('agent-1', 'test agent', 'gpt-4o-mini', '1000000', '1000000', ?, ?)`, now, now)
	require.NoError(t, err)

	return conn
}

func seedTxn(t *testing.T, db *sql.DB, action string, qty int64, price string, at time.Time) {
	t.Helper()
	p := decimal.RequireFromString(price)
	total := p.Mul(decimal.NewFromInt(qty))
	_, err := db.Exec(`
		INSERT INTO transactions
		(id, agent_id, ticker, company_name, action, quantity, price, total_amount, commission, status, execution_time, decision_reason, created_at)
		VALUES (?, 'agent-1', '2330', '台積電', ?, ?, ?, ?, ?, 'EXECUTED', ?, '', ?)`,
		fmt.Sprintf("txn-%s-%d", action, at.UnixNano()),
		action, qty, p.String(), total.String(),
		domain.CommissionFor(qty, p).String(),
		at.Unix(), at.Unix())
	require.NoError(t, err)
}

func seedHolding(t *testing.T, db *sql.DB, ticker string, qty int64, avgCost string) {
	t.Helper()
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO agent_holdings (agent_id, ticker, quantity, average_cost, company_name, created_at, updated_at)
		VALUES ('agent-1', ?, ?, ?, '', ?, ?)`, ticker, qty, avgCost, now, now)
	require.NoError(t, err)
}

type fakePrices struct {
	prices map[string]decimal.Decimal
}

func (f *fakePrices) CurrentPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	p, ok := f.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", ticker)
	}
	return p, nil
}

func TestComputeFIFO(t *testing.T) {
	base := time.Now().UTC()
	txns := []domain.Transaction{
		{Ticker: "2330", Action: domain.ActionBuy, Quantity: 1000, Price: decimal.NewFromInt(500), Status: domain.TxExecuted, ExecutionTime: base},
		{Ticker: "2330", Action: domain.ActionBuy, Quantity: 1000, Price: decimal.NewFromInt(520), Status: domain.TxExecuted, ExecutionTime: base.Add(time.Minute)},
		{Ticker: "2330", Action: domain.ActionSell, Quantity: 1500, Price: decimal.NewFromInt(530), Status: domain.TxExecuted, ExecutionTime: base.Add(2 * time.Minute)},
	}

	res := ComputeFIFO(txns)
	assert.True(t, res.RealizedPnL.Equal(decimal.NewFromInt(35000)), "got %s", res.RealizedPnL)
	assert.Equal(t, int64(1), res.WinningSells)
	assert.Equal(t, int64(1), res.SellCount)
	assert.Equal(t, int64(3), res.TotalTrades)
}

func TestComputeFIFOSkipsNonExecuted(t *testing.T) {
	txns := []domain.Transaction{
		{Ticker: "2330", Action: domain.ActionBuy, Quantity: 1000, Price: decimal.NewFromInt(500), Status: domain.TxFailed},
		{Ticker: "2330", Action: domain.ActionSell, Quantity: 1000, Price: decimal.NewFromInt(530), Status: domain.TxPending},
	}

	res := ComputeFIFO(txns)
	assert.True(t, res.RealizedPnL.IsZero())
	assert.Equal(t, int64(0), res.TotalTrades)
}

func TestComputeFIFOLowercaseRows(t *testing.T) {
	txns := []domain.Transaction{
		{Ticker: "2330", Action: "buy", Quantity: 1000, Price: decimal.NewFromInt(100), Status: "executed"},
		{Ticker: "2330", Action: "sell", Quantity: 1000, Price: decimal.NewFromInt(110), Status: "executed"},
	}

	res := ComputeFIFO(txns)
	assert.True(t, res.RealizedPnL.Equal(decimal.NewFromInt(10000)), "got %s", res.RealizedPnL)
	assert.Equal(t, int64(2), res.TotalTrades)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Nil(t, MaxDrawdown(nil))
	assert.Nil(t, MaxDrawdown([]float64{100}))

	dd := MaxDrawdown([]float64{100, 120, 90, 110})
	require.NotNil(t, dd)
	ddf, _ := dd.Float64()
	assert.InDelta(t, 25.0, ddf, 1e-9)

	flat := MaxDrawdown([]float64{100, 100, 100})
	require.NotNil(t, flat)
	assert.True(t, flat.IsZero())
}

func TestSharpeRatioThresholds(t *testing.T) {
	short := make([]float64, 19)
	assert.Nil(t, SharpeRatio(short))

	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 0.01
	}
	s := SharpeRatio(flat)
	require.NotNil(t, s)
	assert.True(t, s.IsZero(), "zero variance publishes 0, got %s", s)

	varied := make([]float64, 25)
	for i := range varied {
		varied[i] = 0.01
		if i%2 == 0 {
			varied[i] = -0.005
		}
	}
	v := SharpeRatio(varied)
	require.NotNil(t, v)
	assert.False(t, v.IsZero())
}

func TestSortinoRatio(t *testing.T) {
	assert.Nil(t, SortinoRatio(make([]float64, 19)))

	allPositive := make([]float64, 25)
	for i := range allPositive {
		allPositive[i] = 0.01
	}
	s := SortinoRatio(allPositive)
	require.NotNil(t, s)
	assert.True(t, s.IsZero(), "no downside publishes 0")

	mixed := make([]float64, 25)
	for i := range mixed {
		mixed[i] = 0.01
		if i%3 == 0 {
			mixed[i] = -0.02
		}
	}
	m := SortinoRatio(mixed)
	require.NotNil(t, m)
	assert.False(t, m.IsZero())
}

func TestCalmarRatio(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.005}

	assert.Nil(t, CalmarRatio(returns, nil))

	zero := decimal.Zero
	assert.Nil(t, CalmarRatio(returns, &zero))

	dd := decimal.NewFromInt(10)
	c := CalmarRatio(returns, &dd)
	require.NotNil(t, c)
}

func TestRecompute(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC().Add(-time.Hour)

	seedTxn(t, db, "BUY", 1000, "500", base)
	seedTxn(t, db, "BUY", 1000, "520", base.Add(time.Minute))
	seedTxn(t, db, "SELL", 1500, "530", base.Add(2*time.Minute))
	seedHolding(t, db, "2330", 500, "520")

	prices := &fakePrices{prices: map[string]decimal.Decimal{"2330": decimal.NewFromInt(540)}}
	engine := NewEngine(prices, zerolog.Nop())

	agent := &domain.Agent{ID: "agent-1", InitialFunds: decimal.NewFromInt(1000000)}
	cash := decimal.RequireFromString("770000")

	perf, err := engine.Recompute(context.Background(), db, agent, cash, "")
	require.NoError(t, err)

	assert.True(t, perf.RealizedPnL.Equal(decimal.NewFromInt(35000)), "got %s", perf.RealizedPnL)
	// 500 shares marked at 540 against avg cost 520.
	assert.True(t, perf.UnrealizedPnL.Equal(decimal.NewFromInt(10000)), "got %s", perf.UnrealizedPnL)
	assert.True(t, perf.TotalValue.Equal(decimal.RequireFromString("1040000")), "got %s", perf.TotalValue)
	assert.Equal(t, int64(3), perf.TotalTrades)
	assert.Equal(t, int64(1), perf.SellTradesCount)
	assert.Equal(t, int64(1), perf.WinningTradesCorrect)
	require.NotNil(t, perf.WinRate)
	wr, _ := perf.WinRate.Float64()
	assert.InDelta(t, 100.0/3.0, wr, 1e-6)

	// Single data point: no drawdown, no ratios, no daily return.
	assert.Nil(t, perf.MaxDrawdown)
	assert.Nil(t, perf.SharpeRatio)
	assert.Nil(t, perf.SortinoRatio)
	assert.Nil(t, perf.CalmarRatio)
	assert.Nil(t, perf.DailyReturn)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedHolding(t, db, "2330", 1000, "500")

	prices := &fakePrices{prices: map[string]decimal.Decimal{"2330": decimal.NewFromInt(510)}}
	engine := NewEngine(prices, zerolog.Nop())
	agent := &domain.Agent{ID: "agent-1", InitialFunds: decimal.NewFromInt(1000000)}
	cash := decimal.NewFromInt(500000)

	first, err := engine.Recompute(context.Background(), db, agent, cash, "")
	require.NoError(t, err)
	second, err := engine.Recompute(context.Background(), db, agent, cash, "")
	require.NoError(t, err)

	assert.True(t, first.TotalValue.Equal(second.TotalValue))
	assert.Equal(t, first.DailyReturn == nil, second.DailyReturn == nil)

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM agent_performance WHERE agent_id = 'agent-1'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecomputePriceFailureContributesZero(t *testing.T) {
	db := newTestDB(t)
	seedHolding(t, db, "2330", 1000, "500")
	seedHolding(t, db, "2317", 1000, "100")

	// Only 2317 resolves; 2330 contributes zero.
	prices := &fakePrices{prices: map[string]decimal.Decimal{"2317": decimal.NewFromInt(105)}}
	engine := NewEngine(prices, zerolog.Nop())
	agent := &domain.Agent{ID: "agent-1", InitialFunds: decimal.NewFromInt(1000000)}
	cash := decimal.NewFromInt(400000)

	perf, err := engine.Recompute(context.Background(), db, agent, cash, "")
	require.NoError(t, err)
	assert.True(t, perf.TotalValue.Equal(decimal.NewFromInt(505000)), "got %s", perf.TotalValue)
	assert.True(t, perf.UnrealizedPnL.Equal(decimal.NewFromInt(5000)), "got %s", perf.UnrealizedPnL)
}

func TestRecomputeDailyReturnFromHistory(t *testing.T) {
	db := newTestDB(t)

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO agent_performance
		(agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl, total_return, total_trades, sell_trades_count, winning_trades_correct, created_at, updated_at)
		VALUES ('agent-1', ?, '1000000', '1000000', '0', '0', '0', 0, 0, 0, ?, ?)`,
		yesterday, now, now)
	require.NoError(t, err)

	engine := NewEngine(&fakePrices{}, zerolog.Nop())
	agent := &domain.Agent{ID: "agent-1", InitialFunds: decimal.NewFromInt(1000000)}

	perf, err := engine.Recompute(context.Background(), db, agent, decimal.NewFromInt(1050000), "")
	require.NoError(t, err)

	require.NotNil(t, perf.DailyReturn)
	dr, _ := perf.DailyReturn.Float64()
	assert.InDelta(t, 0.05, dr, 1e-9)

	require.NotNil(t, perf.MaxDrawdown)
	assert.True(t, perf.MaxDrawdown.IsZero())
}

func TestPerformanceHistoryOrder(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().Unix()
	for i := 1; i <= 3; i++ {
		date := fmt.Sprintf("2026-08-0%d", i)
		_, err := db.Exec(`
			INSERT INTO agent_performance
			(agent_id, date, total_value, cash_balance, unrealized_pnl, realized_pnl, total_return, total_trades, sell_trades_count, winning_trades_correct, created_at, updated_at)
			VALUES ('agent-1', ?, '1000000', '1000000', '0', '0', '0', 0, 0, 0, ?, ?)`,
			date, now, now)
		require.NoError(t, err)
	}

	repo := NewPerformanceRepository(db, zerolog.Nop())

	desc, err := repo.History("agent-1", 2, "desc")
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "2026-08-03", desc[0].Date)

	asc, err := repo.History("agent-1", 10, "asc")
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "2026-08-01", asc[0].Date)
}
