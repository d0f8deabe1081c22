// Package toolset decides which tool groups and sub-agents a session gets
// for a given agent mode.
package toolset

import (
	"fmt"
	"reflect"

	"github.com/casualtrader/arena/internal/domain"
)

// Requirements flags every tool group a runtime can bind.
type Requirements struct {
	BuySellTools     bool `json:"buy_sell_tools"`
	PortfolioTools   bool `json:"portfolio_tools"`
	MemoryMCP        bool `json:"memory_mcp"`
	CasualMarketMCP  bool `json:"casual_market_mcp"`
	PerplexityMCP    bool `json:"perplexity_mcp"`
	FundamentalAgent bool `json:"fundamental_agent"`
	TechnicalAgent   bool `json:"technical_agent"`
	RiskAgent        bool `json:"risk_agent"`
	SentimentAgent   bool `json:"sentiment_agent"`
}

// ForMode returns the tool requirements for an agent mode. Unknown modes are
// a hard error, never a silent default.
func ForMode(mode domain.AgentMode) (Requirements, error) {
	switch mode {
	case domain.ModeTrading:
		return Requirements{
			BuySellTools:     true,
			PortfolioTools:   true,
			MemoryMCP:        true,
			CasualMarketMCP:  true,
			PerplexityMCP:    true,
			FundamentalAgent: true,
			TechnicalAgent:   true,
			RiskAgent:        true,
			SentimentAgent:   true,
		}, nil
	case domain.ModeRebalancing:
		// Rebalancing reviews and adjusts; it does not open new positions
		// and skips the research-heavy sub-agents.
		return Requirements{
			PortfolioTools:  true,
			MemoryMCP:       true,
			CasualMarketMCP: true,
			PerplexityMCP:   true,
			TechnicalAgent:  true,
			RiskAgent:       true,
		}, nil
	default:
		return Requirements{}, fmt.Errorf("%w: unknown agent mode %q", domain.ErrValidation, mode)
	}
}

// Diff returns the JSON field names where the two requirement sets differ.
func Diff(a, b Requirements) []string {
	var diffs []string
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	typ := va.Type()
	for i := 0; i < typ.NumField(); i++ {
		if va.Field(i).Bool() != vb.Field(i).Bool() {
			diffs = append(diffs, typ.Field(i).Tag.Get("json"))
		}
	}
	return diffs
}
