package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/casualtrader/arena/internal/agentruntime/toolset"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/llm"
	"github.com/markcheno/go-talib"
)

// subAgentMaxTurns bounds one analyst consultation. The wall-clock deadline
// is inherited from the parent session through ctx.
const subAgentMaxTurns = 8

const defaultHistoryDays = 60

// bindSubAgents registers the analyst sub-agents the mode asks for. Each one
// is its own LLM+tool composition; the parent model calls it by name and
// receives plain text back.
func (r *Runtime) bindSubAgents(registry *llm.Registry, reqs toolset.Requirements, agent *domain.Agent, provider llm.Provider) {
	if reqs.FundamentalAgent {
		registry.Register(r.subAgentTool(provider,
			"consult_fundamental_analyst",
			"Ask the fundamental analyst to assess a company's financials, dividends and valuation.",
			"You are a fundamental analyst for the Taiwan stock market. Use the financial "+
				"statement and dividend tools to ground your assessment. Answer concisely.",
			r.fundamentalTools))
	}
	if reqs.TechnicalAgent {
		registry.Register(r.subAgentTool(provider,
			"consult_technical_analyst",
			"Ask the technical analyst for indicator-based analysis (RSI, SMA, EMA, Bollinger bands).",
			"You are a technical analyst. Use the indicator tools to compute RSI, moving "+
				"averages and Bollinger bands from real price history before drawing conclusions.",
			r.technicalTools))
	}
	if reqs.RiskAgent {
		registry.Register(r.subAgentTool(provider,
			"consult_risk_analyst",
			"Ask the risk analyst to evaluate position sizing and portfolio concentration.",
			fmt.Sprintf("You are a risk analyst. The portfolio must keep every position under "+
				"%.1f%% of total value. Use the portfolio and margin tools to check exposure.", agent.MaxPositionSize),
			func(reg *llm.Registry) {
				r.bindPortfolioTool(reg, agent)
				r.bindMarketTools(reg)
			}))
	}
	if reqs.SentimentAgent {
		registry.Register(r.subAgentTool(provider,
			"consult_sentiment_analyst",
			"Ask the sentiment analyst about market mood, foreign flows and recent news.",
			"You are a market sentiment analyst for Taiwan equities. Use foreign flow and "+
				"margin data, plus web research when available, to judge the current mood.",
			func(reg *llm.Registry) {
				r.bindMarketTools(reg)
				r.bindResearchTool(reg)
			}))
	}
}

// subAgentTool wraps one analyst as a callable tool of the parent agent.
func (r *Runtime) subAgentTool(provider llm.Provider, name, desc, prompt string, bind func(*llm.Registry)) llm.Tool {
	return llm.Tool{
		Name:        name,
		Description: desc,
		Parameters: llm.ObjectSchema("", map[string]*llm.JSONSchema{
			"question": llm.StringProp("The question for the analyst"),
		}, "question"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			reg := llm.NewRegistry()
			if bind != nil {
				bind(reg)
			}

			messages := []llm.Message{
				llm.SystemMessage(prompt),
				llm.UserMessage(in.Question),
			}
			result, err := llm.RunToolLoop(ctx, provider, reg, messages, reg.List(), nil, subAgentMaxTurns)
			if err != nil {
				return "", fmt.Errorf("%s failed: %w", name, err)
			}
			return result.Response.Content, nil
		},
	}
}

func (r *Runtime) fundamentalTools(reg *llm.Registry) {
	r.bindMarketTools(reg)
}

// technicalTools exposes the indicator set computed over real price history.
func (r *Runtime) technicalTools(reg *llm.Registry) {
	if r.market == nil {
		return
	}
	indicatorSchema := llm.ObjectSchema("", map[string]*llm.JSONSchema{
		"ticker": llm.StringProp("Taiwan stock code, e.g. 2330"),
		"period": llm.IntProp("Lookback period in trading days (default 14)"),
	}, "ticker")

	type indicatorArgs struct {
		Ticker string `json:"ticker"`
		Period int    `json:"period"`
	}

	indicator := func(name, desc string, defaultPeriod int,
		compute func(closes []float64, period int) (map[string]any, error)) llm.Tool {
		return llm.Tool{
			Name:        name,
			Description: desc,
			Parameters:  indicatorSchema,
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in indicatorArgs
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				if in.Period <= 0 {
					in.Period = defaultPeriod
				}

				closes, err := r.market.PriceHistory(ctx, in.Ticker, defaultHistoryDays)
				if err != nil {
					return "", err
				}
				if len(closes) < in.Period+1 {
					return "", fmt.Errorf("%w: need at least %d closes for %s, got %d",
						domain.ErrValidation, in.Period+1, name, len(closes))
				}

				out, err := compute(closes, in.Period)
				if err != nil {
					return "", err
				}
				out["ticker"] = in.Ticker
				out["period"] = in.Period
				return encodeAny(out)
			},
		}
	}

	reg.Register(indicator("calculate_rsi",
		"Compute the Relative Strength Index for a stock.", 14,
		func(closes []float64, period int) (map[string]any, error) {
			values := talib.Rsi(closes, period)
			return map[string]any{"rsi": last(values)}, nil
		}))
	reg.Register(indicator("calculate_sma",
		"Compute the simple moving average for a stock.", 20,
		func(closes []float64, period int) (map[string]any, error) {
			values := talib.Sma(closes, period)
			return map[string]any{"sma": last(values), "close": last(closes)}, nil
		}))
	reg.Register(indicator("calculate_ema",
		"Compute the exponential moving average for a stock.", 20,
		func(closes []float64, period int) (map[string]any, error) {
			values := talib.Ema(closes, period)
			return map[string]any{"ema": last(values), "close": last(closes)}, nil
		}))
	reg.Register(indicator("calculate_bollinger",
		"Compute Bollinger bands (20-day, 2 standard deviations) for a stock.", 20,
		func(closes []float64, period int) (map[string]any, error) {
			upper, middle, lower := talib.BBands(closes, period, 2.0, 2.0, talib.SMA)
			return map[string]any{
				"upper":  last(upper),
				"middle": last(middle),
				"lower":  last(lower),
				"close":  last(closes),
			}, nil
		}))
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
