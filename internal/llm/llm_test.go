package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	responses []*Response
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, _ []Message, _ []Tool, _ *ChatOptions) (*Response, error) {
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("no more scripted responses")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name:       "get_price",
		Parameters: ObjectSchema("", map[string]*JSONSchema{"ticker": StringProp("stock code")}, "ticker"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Ticker string `json:"ticker"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "price of " + in.Ticker, nil
		},
	})

	out, err := reg.Execute(context.Background(), ToolCall{
		Name:      "get_price",
		Arguments: json.RawMessage(`{"ticker":"2330"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "price of 2330", out)

	_, err = reg.Execute(context.Background(), ToolCall{Name: "missing"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRunToolLoopRecordsToolOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{
			{ID: "1", Name: "get_price", Arguments: json.RawMessage(`{}`)},
			{ID: "2", Name: "buy_stock", Arguments: json.RawMessage(`{}`)},
		}},
		{ToolCalls: []ToolCall{
			{ID: "3", Name: "get_price", Arguments: json.RawMessage(`{}`)},
		}},
		{Content: "done", FinishReason: "stop"},
	}}

	reg := NewRegistry()
	noop := func(_ context.Context, _ json.RawMessage) (string, error) { return "ok", nil }
	reg.Register(Tool{Name: "get_price", Handler: noop})
	reg.Register(Tool{Name: "buy_stock", Handler: noop})

	result, err := RunToolLoop(context.Background(), provider, reg, []Message{UserMessage("go")}, reg.List(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Response.Content)
	assert.Equal(t, []string{"get_price", "buy_stock", "get_price"}, result.ToolsCalled)
}

func TestRunToolLoopHandlerErrorFeedsBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "broken", Arguments: json.RawMessage(`{}`)}}},
		{Content: "recovered"},
	}}

	reg := NewRegistry()
	reg.Register(Tool{Name: "broken", Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
		return "", fmt.Errorf("boom")
	}})

	result, err := RunToolLoop(context.Background(), provider, reg, nil, reg.List(), nil, 5)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Response.Content)

	// The error became a tool message, not a loop abort.
	last := result.Messages[len(result.Messages)-1]
	assert.Equal(t, RoleTool, last.Role)
	assert.Contains(t, last.Content, "boom")
}

func TestRunToolLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "slow", Arguments: json.RawMessage(`{}`)}}},
		{Content: "never reached"},
	}}

	reg := NewRegistry()
	reg.Register(Tool{Name: "slow", Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
		cancel()
		return "ok", nil
	}})

	result, err := RunToolLoop(ctx, provider, reg, nil, reg.List(), nil, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"slow"}, result.ToolsCalled)
	assert.Equal(t, 1, provider.calls, "cancellation observed before the next turn")
}

func TestRunToolLoopTurnBudget(t *testing.T) {
	toolTurn := &Response{ToolCalls: []ToolCall{{ID: "1", Name: "t", Arguments: json.RawMessage(`{}`)}}}
	provider := &scriptedProvider{responses: []*Response{toolTurn, toolTurn, toolTurn}}

	reg := NewRegistry()
	reg.Register(Tool{Name: "t", Handler: func(_ context.Context, _ json.RawMessage) (string, error) { return "ok", nil }})

	_, err := RunToolLoop(context.Background(), provider, reg, nil, reg.List(), nil, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded 2 turns")
	assert.Equal(t, 2, provider.calls)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	cfg := &domain.ModelConfig{
		ModelKey:     "gpt-4o-mini",
		Provider:     "openai",
		APIKeyEnvVar: "ARENA_TEST_MISSING_KEY",
	}
	_, err := NewClient(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewClientUnknownProvider(t *testing.T) {
	t.Setenv("ARENA_TEST_KEY", "k")
	cfg := &domain.ModelConfig{
		ModelKey:     "mystery",
		Provider:     "acme",
		APIKeyEnvVar: "ARENA_TEST_KEY",
	}
	_, err := NewClient(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewClientKnowsSeededProviders(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg := &domain.ModelConfig{
		ModelKey:      "gemini-2.0-flash",
		Provider:      "gemini",
		LiteLLMPrefix: "gemini",
		FullModelName: "gemini-2.0-flash",
		APIKeyEnvVar:  "GEMINI_API_KEY",
	}
	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "gemini", client.Name())
}

func TestClientChat(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotBody, _ = json.Marshal(req)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "摘要完成"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	t.Setenv("ARENA_TEST_KEY", "secret")
	cfg := &domain.ModelConfig{
		ModelKey:      "gpt-4o-mini",
		Provider:      "openai",
		FullModelName: "gpt-4o-mini",
		APIKeyEnvVar:  "ARENA_TEST_KEY",
	}
	client, err := NewClient(cfg, zerolog.Nop(), WithBaseURL(server.URL))
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), []Message{UserMessage("請分析台積電")}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, string(gotBody), "請分析台積電")
	assert.Equal(t, "摘要完成", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClientChatRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down", "type": "rate_limit"}}`)
	}))
	defer server.Close()

	t.Setenv("ARENA_TEST_KEY", "secret")
	cfg := &domain.ModelConfig{
		ModelKey:      "gpt-4o-mini",
		Provider:      "openai",
		FullModelName: "gpt-4o-mini",
		APIKeyEnvVar:  "ARENA_TEST_KEY",
	}
	client, err := NewClient(cfg, zerolog.Nop(), WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []Message{UserMessage("hi")}, nil, nil)
	assert.ErrorIs(t, err, ErrRateLimit)
}
