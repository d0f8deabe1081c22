package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/casualtrader/arena/internal/agentruntime/toolset"
	"github.com/casualtrader/arena/internal/clients/market"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/llm"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/trading"
	"github.com/shopspring/decimal"
)

// bindTools turns a requirements record into the registry handed to the
// model for this session.
func (r *Runtime) bindTools(reqs toolset.Requirements, agent *domain.Agent, provider llm.Provider) *llm.Registry {
	registry := llm.NewRegistry()

	if reqs.CasualMarketMCP && r.market != nil {
		r.bindMarketTools(registry)
	}
	if reqs.BuySellTools && r.trader != nil {
		r.bindTradeTools(registry, agent)
	}
	if reqs.PortfolioTools && r.trader != nil {
		r.bindPortfolioTool(registry, agent)
	}
	if reqs.MemoryMCP && r.memory != nil {
		r.bindMemoryTool(registry, agent)
	}
	if reqs.PerplexityMCP {
		r.bindResearchTool(registry)
	}

	r.bindSubAgents(registry, reqs, agent, provider)

	return registry
}

func (r *Runtime) bindMarketTools(registry *llm.Registry) {
	if r.market == nil {
		return
	}
	tickerSchema := llm.ObjectSchema("", map[string]*llm.JSONSchema{
		"ticker": llm.StringProp("Taiwan stock code, e.g. 2330"),
	}, "ticker")

	marketTool := func(name, desc, rpcTool string, schema *llm.JSONSchema) llm.Tool {
		return llm.Tool{
			Name:        name,
			Description: desc,
			Parameters:  schema,
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in map[string]any
				if len(args) > 0 {
					if err := json.Unmarshal(args, &in); err != nil {
						return "", fmt.Errorf("invalid arguments: %w", err)
					}
				}
				res, err := r.market.Call(ctx, rpcTool, in)
				if err != nil {
					return "", err
				}
				return encodeResult(res)
			},
		}
	}

	registry.Register(marketTool("get_taiwan_stock_price",
		"Get the current price and trading status of a Taiwan stock.",
		market.ToolStockPrice, tickerSchema))
	registry.Register(marketTool("get_company_financials",
		"Get recent financial statements for a listed company.",
		market.ToolFinancials, tickerSchema))
	registry.Register(marketTool("check_trading_day",
		"Check whether the Taiwan market trades on a date (YYYY-MM-DD, empty for today).",
		market.ToolTradingDay, llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"date": llm.StringProp("Date to check, YYYY-MM-DD"),
		})))
	registry.Register(marketTool("get_dividend_info",
		"Get dividend history and yield for a stock.",
		market.ToolDividends, tickerSchema))
	registry.Register(marketTool("get_foreign_investment_flows",
		"Get recent foreign institutional buy/sell flows for a stock.",
		market.ToolForeignFlows, tickerSchema))
	registry.Register(marketTool("get_margin_trading_info",
		"Get margin trading balances for a stock.",
		market.ToolMarginInfo, tickerSchema))
}

type tradeArgs struct {
	Ticker         string  `json:"ticker"`
	Quantity       int64   `json:"quantity"`
	Price          float64 `json:"price"`
	CompanyName    string  `json:"company_name"`
	DecisionReason string  `json:"decision_reason"`
}

func (r *Runtime) bindTradeTools(registry *llm.Registry, agent *domain.Agent) {
	schema := llm.ObjectSchema("", map[string]*llm.JSONSchema{
		"ticker":          llm.StringProp("Taiwan stock code, e.g. 2330"),
		"quantity":        llm.IntProp("Number of shares, must be a multiple of 1000"),
		"price":           llm.NumberProp("Limit price per share in TWD"),
		"company_name":    llm.StringProp("Company name for the record"),
		"decision_reason": llm.StringProp("Why this trade is being made"),
	}, "ticker", "quantity", "price", "decision_reason")

	trade := func(action string) llm.ToolHandler {
		return func(ctx context.Context, args json.RawMessage) (string, error) {
			var in tradeArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			result, err := r.trader.ExecuteTrade(ctx, agent.ID, trading.TradeRequest{
				Ticker:         in.Ticker,
				CompanyName:    in.CompanyName,
				Action:         action,
				Quantity:       in.Quantity,
				Price:          decimal.NewFromFloat(in.Price),
				DecisionReason: in.DecisionReason,
			})
			if err != nil {
				// The model sees the rejection and can adjust.
				return domain.MarshalJSONString(map[string]any{
					"success": false,
					"error":   err.Error(),
				})
			}
			return encodeAny(result)
		}
	}

	registry.Register(llm.Tool{
		Name:        "buy_stock",
		Description: "Buy a Taiwan stock at the given price. Executes immediately and atomically.",
		Parameters:  schema,
		Handler:     trade("BUY"),
	})
	registry.Register(llm.Tool{
		Name:        "sell_stock",
		Description: "Sell a held Taiwan stock at the given price. Executes immediately and atomically.",
		Parameters:  schema,
		Handler:     trade("SELL"),
	})
}

func (r *Runtime) bindPortfolioTool(registry *llm.Registry, agent *domain.Agent) {
	if r.trader == nil {
		return
	}
	registry.Register(llm.Tool{
		Name:        "get_portfolio_status",
		Description: "Get current holdings, cash balance and total portfolio value.",
		Parameters:  llm.ObjectSchema("", nil),
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			var prices metrics.PriceProvider
			if r.market != nil {
				prices = r.market
			}
			p, err := r.trader.GetPortfolio(ctx, agent.ID, prices)
			if err != nil {
				return "", err
			}
			return encodeAny(p)
		},
	})
}

func (r *Runtime) bindMemoryTool(registry *llm.Registry, agent *domain.Agent) {
	registry.Register(llm.Tool{
		Name:        "recall_memory",
		Description: "Recall summaries of this agent's past trading decisions.",
		Parameters: llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"entries": llm.IntProp("How many recent entries to recall (default 10)"),
		}),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Entries int `json:"entries"`
			}
			_ = json.Unmarshal(args, &in)
			digest := r.memory.Digest(agent.ID, in.Entries)
			if digest == "" {
				return "No past decisions recorded.", nil
			}
			return digest, nil
		},
	})
}

// bindResearchTool wires the web research tool when a Perplexity key is
// configured; the provider speaks the same chat completions wire as the
// main models.
func (r *Runtime) bindResearchTool(registry *llm.Registry) {
	client, err := llm.NewClient(&domain.ModelConfig{
		ModelKey:      "perplexity-sonar",
		Provider:      "perplexity",
		FullModelName: "sonar",
		APIKeyEnvVar:  "PERPLEXITY_API_KEY",
	}, r.log)
	if err != nil {
		r.log.Debug().Err(err).Msg("Research tool not configured, skipping")
		return
	}

	registry.Register(llm.Tool{
		Name:        "research_web",
		Description: "Search the web for recent news and analysis about a company or market topic.",
		Parameters: llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"query": llm.StringProp("What to research"),
		}, "query"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			resp, err := client.Chat(ctx, []llm.Message{llm.UserMessage(in.Query)}, nil, nil)
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		},
	})
}

func encodeResult(res *market.Result) (string, error) {
	if res.Raw != "" {
		return res.Raw, nil
	}
	return encodeAny(res)
}

func encodeAny(v any) (string, error) {
	out, err := domain.MarshalJSONString(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return out, nil
}
