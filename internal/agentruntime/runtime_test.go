package agentruntime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/casualtrader/arena/internal/agentruntime/toolset"
	"github.com/casualtrader/arena/internal/clients/memorystore"
	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/llm"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/sessions"
	"github.com/casualtrader/arena/internal/modules/trading"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	responses []*llm.Response
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, _ []llm.Message, _ []llm.Tool, _ *llm.ChatOptions) (*llm.Response, error) {
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("no more scripted responses")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

type fixedPrices struct{}

func (fixedPrices) CurrentPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(500), nil
}

type runtimeEnv struct {
	db      *sql.DB
	runtime *Runtime
	trader  *trading.Service
	memory  *memorystore.Store
	agent   *domain.Agent
	session *domain.Session
}

func newRuntimeEnv(t *testing.T, provider llm.Provider) *runtimeEnv {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "arena.db"),
		Name: "runtime-test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	conn := db.Conn()
	log := zerolog.Nop()
	hub := events.NewHub(log)

	agentRepo := agents.NewRepository(conn, log)
	modelRepo := agents.NewModelRepository(conn, log)
	require.NoError(t, modelRepo.SeedDefaults())

	sessionSvc := sessions.NewService(sessions.NewRepository(conn, log), hub, log)
	engine := metrics.NewEngine(fixedPrices{}, log)
	trader := trading.NewService(conn, agentRepo, sessionSvc,
		trading.NewTransactionRepository(conn, log),
		trading.NewHoldingRepository(conn, log),
		engine, hub, log)

	agent := &domain.Agent{
		Name:            "runtime test agent",
		AIModel:         "gpt-4o-mini",
		InitialFunds:    decimal.NewFromInt(1000000),
		CurrentFunds:    decimal.NewFromInt(1000000),
		MaxPositionSize: 20,
	}
	require.NoError(t, agentRepo.Create(agent))

	session, err := sessionSvc.Create(agent.ID, domain.ModeTrading, "{}")
	require.NoError(t, err)
	require.NoError(t, sessionSvc.MarkRunning(session.ID))

	memory := memorystore.NewStore(t.TempDir(), log)
	rt := NewRuntime(modelRepo, nil, memory, trader, 10, log)
	rt.SetProviderFactory(func(_ *domain.ModelConfig) (llm.Provider, error) {
		return provider, nil
	})

	return &runtimeEnv{db: conn, runtime: rt, trader: trader, memory: memory, agent: agent, session: session}
}

func TestRunExecutesTradeAndRecordsTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:   "1",
			Name: "buy_stock",
			Arguments: json.RawMessage(`{
				"ticker": "2330", "quantity": 1000, "price": 500,
				"company_name": "台積電", "decision_reason": "估值合理"
			}`),
		}}},
		{Content: "買進台積電 1000 股，理由：估值合理。", FinishReason: "stop"},
	}}

	env := newRuntimeEnv(t, provider)
	output, toolsCalled, err := env.runtime.Run(context.Background(), env.agent, env.session)
	require.NoError(t, err)

	assert.Equal(t, "買進台積電 1000 股，理由：估值合理。", output)
	assert.Equal(t, []string{"buy_stock"}, toolsCalled)

	// The trade went through the atomic path and attached to the session.
	var count int
	require.NoError(t, env.db.QueryRow(
		"SELECT COUNT(*) FROM transactions WHERE session_id = ?", env.session.ID).Scan(&count))
	assert.Equal(t, 1, count)

	// Memory was appended after the successful run.
	entries, err := env.memory.Load(env.agent.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Summary, "台積電")
}

func TestRunRejectsUnknownModel(t *testing.T) {
	env := newRuntimeEnv(t, &scriptedProvider{})
	env.agent.AIModel = "no-such-model"

	_, _, err := env.runtime.Run(context.Background(), env.agent, env.session)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRunSurvivesTradeRejection(t *testing.T) {
	// The model tries to buy far more than the agent can afford, then holds.
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:   "1",
			Name: "buy_stock",
			Arguments: json.RawMessage(`{
				"ticker": "2330", "quantity": 100000, "price": 500, "decision_reason": "all in"
			}`),
		}}},
		{Content: "資金不足，持有觀望。", FinishReason: "stop"},
	}}

	env := newRuntimeEnv(t, provider)
	output, toolsCalled, err := env.runtime.Run(context.Background(), env.agent, env.session)
	require.NoError(t, err)
	assert.Equal(t, []string{"buy_stock"}, toolsCalled)
	assert.Contains(t, output, "持有觀望")

	var count int
	require.NoError(t, env.db.QueryRow(
		"SELECT COUNT(*) FROM transactions WHERE agent_id = ?", env.agent.ID).Scan(&count))
	assert.Equal(t, 0, count, "rejected trade leaves no row")
}

func TestBindToolsByMode(t *testing.T) {
	env := newRuntimeEnv(t, &scriptedProvider{})

	tradingReqs, err := toolset.ForMode(domain.ModeTrading)
	require.NoError(t, err)
	reg := env.runtime.bindTools(tradingReqs, env.agent, &scriptedProvider{})
	names := reg.Names()
	assert.Contains(t, names, "buy_stock")
	assert.Contains(t, names, "sell_stock")
	assert.Contains(t, names, "get_portfolio_status")
	assert.Contains(t, names, "recall_memory")
	assert.Contains(t, names, "consult_fundamental_analyst")
	assert.Contains(t, names, "consult_technical_analyst")
	assert.Contains(t, names, "consult_risk_analyst")
	assert.Contains(t, names, "consult_sentiment_analyst")

	rebalancingReqs, err := toolset.ForMode(domain.ModeRebalancing)
	require.NoError(t, err)
	reg = env.runtime.bindTools(rebalancingReqs, env.agent, &scriptedProvider{})
	names = reg.Names()
	assert.NotContains(t, names, "buy_stock")
	assert.NotContains(t, names, "sell_stock")
	assert.NotContains(t, names, "consult_fundamental_analyst")
	assert.NotContains(t, names, "consult_sentiment_analyst")
	assert.Contains(t, names, "get_portfolio_status")
	assert.Contains(t, names, "consult_risk_analyst")
}

func TestBuildInstructionsIsDeterministic(t *testing.T) {
	agent := &domain.Agent{
		Name:            "小虎",
		Description:     "價值投資者",
		Preferences:     "偏好半導體與金融股",
		InitialFunds:    decimal.NewFromInt(1000000),
		CurrentFunds:    decimal.NewFromInt(800000),
		MaxPositionSize: 25,
	}

	a := BuildInstructions(agent, domain.ModeTrading, nil, "past digest")
	b := BuildInstructions(agent, domain.ModeTrading, nil, "past digest")
	assert.Equal(t, a, b)

	assert.Contains(t, a, "小虎")
	assert.Contains(t, a, "偏好半導體與金融股")
	assert.Contains(t, a, "25.0%")
	assert.Contains(t, a, "past digest")
	assert.Contains(t, a, "1000 shares")

	rebalance := BuildInstructions(agent, domain.ModeRebalancing, nil, "")
	assert.NotEqual(t, a, rebalance)
	assert.Contains(t, rebalance, "Do not open new positions")
}
