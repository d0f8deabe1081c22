package toolset

import (
	"testing"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForModeTrading(t *testing.T) {
	req, err := ForMode(domain.ModeTrading)
	require.NoError(t, err)

	assert.Equal(t, Requirements{
		BuySellTools:     true,
		PortfolioTools:   true,
		MemoryMCP:        true,
		CasualMarketMCP:  true,
		PerplexityMCP:    true,
		FundamentalAgent: true,
		TechnicalAgent:   true,
		RiskAgent:        true,
		SentimentAgent:   true,
	}, req)
}

func TestForModeUnknown(t *testing.T) {
	_, err := ForMode(domain.AgentMode("SPECULATING"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestModesShareCoreTools(t *testing.T) {
	trading, err := ForMode(domain.ModeTrading)
	require.NoError(t, err)
	rebalancing, err := ForMode(domain.ModeRebalancing)
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"buy_sell_tools", "fundamental_agent", "sentiment_agent"},
		Diff(trading, rebalancing))

	// The core read-side tools are present in both modes.
	assert.True(t, rebalancing.PortfolioTools)
	assert.True(t, rebalancing.MemoryMCP)
	assert.True(t, rebalancing.CasualMarketMCP)
	assert.True(t, rebalancing.PerplexityMCP)
}

func TestDiffIdentical(t *testing.T) {
	a, err := ForMode(domain.ModeTrading)
	require.NoError(t, err)
	b, err := ForMode(domain.ModeTrading)
	require.NoError(t, err)
	assert.Empty(t, Diff(a, b))
}
