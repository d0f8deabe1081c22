package agents

import (
	"database/sql"
	"path/filepath"
	"testing"

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
		Name: "agents-test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db.Conn()
}

func testAgent() *domain.Agent {
	return &domain.Agent{
		Name:            "value hunter",
		Description:     "conservative long-only strategy",
		AIModel:         "gpt-4o-mini",
		Provider:        "openai",
		InitialFunds:    decimal.NewFromInt(1000000),
		CurrentFunds:    decimal.NewFromInt(1000000),
		MaxPositionSize: 20,
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	agent := testAgent()
	require.NoError(t, repo.Create(agent))
	require.NotEmpty(t, agent.ID)
	assert.Equal(t, domain.ModeTrading, agent.CurrentMode)
	assert.Equal(t, domain.AgentActive, agent.Status)

	got, err := repo.GetByID(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.True(t, got.InitialFunds.Equal(decimal.NewFromInt(1000000)))
	assert.True(t, got.CurrentFunds.Equal(decimal.NewFromInt(1000000)))
}

func TestGetAgentNotFound(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestCreateAgentValidation(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	agent := testAgent()
	agent.Name = ""
	assert.ErrorIs(t, repo.Create(agent), domain.ErrValidation)
}

func TestListAgents(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	first := testAgent()
	require.NoError(t, repo.Create(first))
	second := testAgent()
	second.Name = "momentum rider"
	require.NoError(t, repo.Create(second))

	agents, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestUpdateAgent(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	agent := testAgent()
	require.NoError(t, repo.Create(agent))

	agent.Description = "updated"
	agent.CurrentMode = domain.ModeRebalancing
	require.NoError(t, repo.Update(agent))

	got, err := repo.GetByID(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, domain.ModeRebalancing, got.CurrentMode)

	missing := testAgent()
	missing.ID = "missing"
	assert.ErrorIs(t, repo.Update(missing), domain.ErrAgentNotFound)
}

func TestDeleteAgent(t *testing.T) {
	repo := NewRepository(newTestDB(t), zerolog.Nop())

	agent := testAgent()
	require.NoError(t, repo.Create(agent))
	require.NoError(t, repo.Delete(agent.ID))

	_, err := repo.GetByID(agent.ID)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	assert.ErrorIs(t, repo.Delete(agent.ID), domain.ErrAgentNotFound)
}

func TestFundsTxHelpers(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	agent := testAgent()
	require.NoError(t, repo.Create(agent))

	err := database.WithTransaction(db, func(tx *sql.Tx) error {
		funds, err := GetFundsTx(tx, agent.ID)
		require.NoError(t, err)
		assert.True(t, funds.Equal(decimal.NewFromInt(1000000)))

		return SetFundsTx(tx, agent.ID, decimal.RequireFromString("499287.5"))
	})
	require.NoError(t, err)

	got, err := repo.GetByID(agent.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentFunds.Equal(decimal.RequireFromString("499287.5")))
}

func TestModelCatalog(t *testing.T) {
	db := newTestDB(t)
	repo := NewModelRepository(db, zerolog.Nop())

	require.NoError(t, repo.SeedDefaults())

	cfg, err := repo.GetByKey("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "OPENAI_API_KEY", cfg.APIKeyEnvVar)
	assert.True(t, cfg.Enabled)

	_, err = repo.GetByKey("unknown-model")
	assert.ErrorIs(t, err, domain.ErrModelNotFound)

	models, err := repo.ListEnabled()
	require.NoError(t, err)
	assert.NotEmpty(t, models)

	// Seeding twice must not duplicate rows.
	require.NoError(t, repo.SeedDefaults())
	again, err := repo.ListEnabled()
	require.NoError(t, err)
	assert.Len(t, again, len(models))
}
