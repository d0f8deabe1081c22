// Package agentruntime assembles and runs one LLM session per agent: the
// instructions, the mode-scoped toolset, the analyst sub-agents and the
// bounded tool loop.
package agentruntime

import (
	"context"
	"fmt"

	"github.com/casualtrader/arena/internal/agentruntime/toolset"
	"github.com/casualtrader/arena/internal/clients/market"
	"github.com/casualtrader/arena/internal/clients/memorystore"
	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/llm"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/trading"
	"github.com/rs/zerolog"
)

// ProviderFactory builds an LLM provider from one catalog row. Swapped out
// in tests.
type ProviderFactory func(cfg *domain.ModelConfig) (llm.Provider, error)

// Runtime runs agent sessions. It satisfies the executor's Runtime interface.
type Runtime struct {
	models    *agents.ModelRepository
	market    *market.Client
	memory    *memorystore.Store
	trader    *trading.Service
	providers ProviderFactory
	maxTurns  int
	log       zerolog.Logger
}

// NewRuntime creates a new runtime
func NewRuntime(
	modelRepo *agents.ModelRepository,
	marketClient *market.Client,
	memory *memorystore.Store,
	trader *trading.Service,
	maxTurns int,
	log zerolog.Logger,
) *Runtime {
	if maxTurns <= 0 {
		maxTurns = 30
	}
	logger := log.With().Str("module", "agentruntime").Logger()
	return &Runtime{
		models: modelRepo,
		market: marketClient,
		memory: memory,
		trader: trader,
		providers: func(cfg *domain.ModelConfig) (llm.Provider, error) {
			return llm.NewClient(cfg, logger)
		},
		maxTurns: maxTurns,
		log:      logger,
	}
}

// SetProviderFactory replaces the LLM provider construction. Test hook.
func (r *Runtime) SetProviderFactory(f ProviderFactory) { r.providers = f }

// Run executes one session: resolve the model, load memory, bind tools, run
// the loop, persist a memory entry on success. The deadline and cancellation
// arrive through ctx; the loop checks them between turns and after each tool
// call. Trades already committed stay committed regardless of how the run
// ends.
func (r *Runtime) Run(ctx context.Context, agent *domain.Agent, session *domain.Session) (string, []string, error) {
	log := r.log.With().Str("agent_id", agent.ID).Str("session_id", session.ID).Logger()

	reqs, err := toolset.ForMode(session.Mode)
	if err != nil {
		return "", nil, err
	}

	modelCfg, err := r.models.GetByKey(agent.AIModel)
	if err != nil {
		return "", nil, fmt.Errorf("%w: model %q not in catalog", domain.ErrConfiguration, agent.AIModel)
	}
	provider, err := r.providers(modelCfg)
	if err != nil {
		return "", nil, err
	}

	memoryDigest := ""
	if reqs.MemoryMCP && r.memory != nil {
		memoryDigest = r.memory.Digest(agent.ID, memorystore.DefaultDigestEntries)
	}

	var prices metrics.PriceProvider
	if r.market != nil {
		prices = r.market
	}

	var portfolio *trading.Portfolio
	if r.trader != nil {
		portfolio, err = r.trader.GetPortfolio(ctx, agent.ID, prices)
		if err != nil {
			log.Warn().Err(err).Msg("Portfolio snapshot failed, prompting without it")
			portfolio = nil
		}
	}

	instructions := BuildInstructions(agent, session.Mode, portfolio, memoryDigest)
	registry := r.bindTools(reqs, agent, provider)

	messages := []llm.Message{
		llm.SystemMessage(instructions),
		llm.UserMessage(fmt.Sprintf("Begin your %s session now.", session.Mode)),
	}

	log.Info().
		Str("model", modelCfg.ModelKey).
		Int("tools", registry.Count()).
		Msg("Session starting")

	result, err := llm.RunToolLoop(ctx, provider, registry, messages, registry.List(), nil, r.maxTurns)
	toolsCalled := []string{}
	if result != nil {
		toolsCalled = result.ToolsCalled
	}
	if err != nil {
		return "", toolsCalled, err
	}

	output := result.Response.Content

	if reqs.MemoryMCP && r.memory != nil {
		entry := memorystore.Entry{Mode: string(session.Mode), Summary: summarize(output)}
		if memErr := r.memory.Append(agent.ID, entry); memErr != nil {
			log.Warn().Err(memErr).Msg("Memory append failed")
		}
	}

	log.Info().Int("tools_called", len(toolsCalled)).Msg("Session finished")
	return output, toolsCalled, nil
}

// summarize bounds a final output for the memory file. Truncation is by
// runes so multi-byte text never splits mid-character.
func summarize(output string) string {
	const maxRunes = 500
	runes := []rune(output)
	if len(runes) <= maxRunes {
		return output
	}
	return string(runes[:maxRunes])
}
