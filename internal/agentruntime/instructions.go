package agentruntime

import (
	"fmt"
	"strings"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/modules/trading"
)

// BuildInstructions composes the system prompt for one session. It is a pure
// function of the agent config, the mode, the portfolio snapshot and the
// memory digest, so two sessions with identical inputs get identical prompts.
func BuildInstructions(agent *domain.Agent, mode domain.AgentMode, portfolio *trading.Portfolio, memoryDigest string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous trading agent on the Taiwan stock market.\n", agent.Name)
	if agent.Description != "" {
		fmt.Fprintf(&b, "Profile: %s\n", agent.Description)
	}
	if agent.Preferences != "" {
		fmt.Fprintf(&b, "Investment preferences: %s\n", agent.Preferences)
	}
	fmt.Fprintf(&b, "Initial capital: %s TWD. Current cash: %s TWD.\n",
		agent.InitialFunds, agent.CurrentFunds)
	fmt.Fprintf(&b, "Never put more than %.1f%% of the portfolio into a single position.\n", agent.MaxPositionSize)
	b.WriteString("Orders must be whole lots of 1000 shares. A 0.1425% commission applies to every trade.\n")

	b.WriteString("\n## Current portfolio\n")
	if portfolio == nil || len(portfolio.Holdings) == 0 {
		b.WriteString("No open positions.\n")
	} else {
		for _, h := range portfolio.Holdings {
			fmt.Fprintf(&b, "- %s (%s): %d shares @ avg %s", h.Ticker, h.CompanyName, h.Quantity, h.AverageCost)
			if h.CurrentPrice != nil {
				fmt.Fprintf(&b, ", now %s", h.CurrentPrice)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Total value: %s TWD (cash %s TWD).\n", portfolio.TotalValue, portfolio.CashBalance)
	}

	if memoryDigest != "" {
		b.WriteString("\n## Recent decisions\n")
		b.WriteString(memoryDigest)
	}

	b.WriteString("\n## Task\n")
	switch mode {
	case domain.ModeRebalancing:
		b.WriteString("Review the current positions against the target allocation. " +
			"Trim oversized positions and flag risks. Do not open new positions. " +
			"Use the portfolio and market tools before deciding; consult the technical " +
			"and risk analysts where useful.\n")
	default:
		b.WriteString("Analyze the market and decide whether to buy, sell or hold. " +
			"Use the market data tools and the analyst sub-agents to justify every trade. " +
			"Execute trades with the buy/sell tools only after your analysis supports them.\n")
	}

	b.WriteString("\nFinish with a short summary of what you did and why.\n")
	return b.String()
}
