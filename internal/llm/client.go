package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
)

// Base URLs for the OpenAI-compatible chat completions endpoint each
// provider exposes.
var providerBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"google":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"anthropic":  "https://api.anthropic.com/v1",
	"perplexity": "https://api.perplexity.ai",
}

// Client speaks the OpenAI-compatible chat completions wire. Every model in
// the catalog is reachable through it; only the base URL and key differ.
type Client struct {
	provider string
	apiKey   string
	baseURL  string
	model    string
	client   *http.Client
	log      zerolog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.client = client }
}

// NewClient creates a client from one catalog row. The API key is read from
// the env var the row names; a missing key is a configuration error so the
// caller can surface it before any session starts.
func NewClient(cfg *domain.ModelConfig, log zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.APIKeyEnvVar == "" {
		return nil, fmt.Errorf("%w: model %s names no API key env var", domain.ErrConfiguration, cfg.ModelKey)
	}
	apiKey := os.Getenv(cfg.APIKeyEnvVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s is not set (required by model %s)",
			domain.ErrConfiguration, cfg.APIKeyEnvVar, cfg.ModelKey)
	}

	baseURL, ok := providerBaseURLs[strings.ToLower(cfg.Provider)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q for model %s",
			domain.ErrConfiguration, cfg.Provider, cfg.ModelKey)
	}

	c := &Client{
		provider: strings.ToLower(cfg.Provider),
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    cfg.FullModelName,
		client:   &http.Client{Timeout: 120 * time.Second},
		log:      log.With().Str("module", "llm").Str("model", cfg.ModelKey).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.provider }

// Chat sends one chat completion request.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	model := c.model
	if opts != nil && opts.Model != "" {
		model = opts.Model
	}

	body := c.buildRequest(messages, tools, model, opts)
	data, err := domain.MarshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return nil, err
	}

	var raw chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}

	out := c.parseResponse(&raw, start)
	c.log.Debug().
		Str("finish_reason", out.FinishReason).
		Int("tool_calls", len(out.ToolCalls)).
		Int("total_tokens", out.Usage.TotalTokens).
		Dur("latency", out.Latency).
		Msg("Chat turn")
	return out, nil
}

// Ping verifies the endpoint and key by listing models.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: invalid API key", domain.ErrConfiguration)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrProviderDown, resp.StatusCode)
	}
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  *JSONSchema `json:"parameters"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) buildRequest(messages []Message, tools []Tool, model string, opts *ChatOptions) chatRequest {
	r := chatRequest{Model: model}

	r.Messages = make([]wireMessage, len(messages))
	for i, m := range messages {
		msg := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		r.Messages[i] = msg
	}

	for _, t := range tools {
		r.Tools = append(r.Tools, wireTool{
			Type: "function",
			Function: wireFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if opts != nil {
		if opts.Temperature > 0 {
			r.Temperature = &opts.Temperature
		}
		if opts.MaxTokens > 0 {
			r.MaxTokens = &opts.MaxTokens
		}
		r.Stop = opts.Stop
	}
	return r
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", domain.ErrConfiguration, apiErr.Error.Message)
		case http.StatusTooManyRequests, 529:
			return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Error.Message)
		}
		return fmt.Errorf("llm: API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(body))
}

func (c *Client) parseResponse(raw *chatResponse, start time.Time) *Response {
	r := &Response{
		Model:   raw.Model,
		Latency: time.Since(start),
		Usage: Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
			TotalTokens:      raw.Usage.TotalTokens,
		},
	}
	if len(raw.Choices) > 0 {
		choice := raw.Choices[0]
		r.Content = choice.Message.Content
		r.FinishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			r.ToolCalls = append(r.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return r
}
