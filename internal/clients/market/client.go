// Package market wraps the market data subprocess behind a typed JSON-RPC
// client. The child process lives no longer than the context that started it.
package market

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxAttempts        = 3
	initialBackoff     = 200 * time.Millisecond
)

// Tool names exposed by the market subprocess.
const (
	ToolStockPrice   = "get_taiwan_stock_price"
	ToolFinancials   = "get_company_financials"
	ToolTradingDay   = "check_trading_day"
	ToolHolidayInfo  = "get_market_holidays"
	ToolMarginInfo   = "get_margin_trading_info"
	ToolForeignFlows = "get_foreign_investment_flows"
	ToolDividends    = "get_dividend_info"
	ToolPriceHistory = "get_stock_price_history"
)

// Result is one tool response. Structured payloads land in Data; anything
// the subprocess returns as plain text lands in Raw.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Raw     string         `json:"raw,omitempty"`
}

// Client owns the market subprocess and serializes calls over its stdio.
type Client struct {
	command     string
	args        []string
	callTimeout time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	proc   *process
	nextID int64
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	cancel context.CancelFunc
}

// Option configures the client.
type Option func(*Client)

// WithCallTimeout bounds one RPC round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// NewClient creates a client for the given subprocess command. The process
// is started lazily on the first call.
func NewClient(command string, args []string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		command:     command,
		args:        args,
		callTimeout: defaultCallTimeout,
		log:         log.With().Str("module", "market").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call invokes one market tool. Transient failures (timeouts, broken pipes)
// are retried with exponential backoff; the subprocess is restarted between
// attempts when its pipe broke. The per-call timeout never extends past the
// caller's deadline.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := c.callOnce(ctx, tool, args)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, err
		}

		c.log.Warn().Err(err).Str("tool", tool).Int("attempt", attempt).Msg("Market call failed, retrying")
		c.restart()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("market call %s failed after %d attempts: %w", tool, maxAttempts, lastErr)
}

func (c *Client) callOnce(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureStarted(); err != nil {
		return nil, err
	}

	// Clamp the call timeout to the caller's deadline.
	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	c.nextID++
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID,
		Method:  "tools/call",
		Params:  map[string]any{"name": tool, "arguments": args},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	payload = append(payload, '\n')

	type outcome struct {
		resp *rpcResponse
		err  error
	}
	// The goroutine may outlive this call on timeout; it must not touch
	// c.proc, which restart/Close can nil out once the lock is released.
	proc := c.proc
	done := make(chan outcome, 1)
	go func() {
		if _, err := proc.stdin.Write(payload); err != nil {
			done <- outcome{err: fmt.Errorf("write to subprocess: %w", err)}
			return
		}
		line, err := proc.stdout.ReadBytes('\n')
		if err != nil {
			done <- outcome{err: fmt.Errorf("read from subprocess: %w", err)}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			done <- outcome{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		done <- outcome{resp: &resp}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, fmt.Errorf("market tool %s: %s (code %d)", tool, out.resp.Error.Message, out.resp.Error.Code)
		}
		return parseResult(out.resp.Result), nil
	case <-timer.C:
		return nil, fmt.Errorf("market tool %s: %w", tool, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureStarted launches the subprocess under the client's own cancel scope.
// Caller holds c.mu.
func (c *Client) ensureStarted() error {
	if c.proc != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start market subprocess %s: %w", c.command, err)
	}

	c.proc = &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		cancel: cancel,
	}
	c.log.Info().Str("command", c.command).Strs("args", c.args).Msg("Market subprocess started")
	return nil
}

func (c *Client) restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Close kills the subprocess. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Client) stopLocked() {
	if c.proc == nil {
		return
	}
	c.proc.cancel()
	_ = c.proc.cmd.Wait()
	c.proc = nil
}

// parseResult accepts either a structured JSON object or raw text.
func parseResult(raw json.RawMessage) *Result {
	if len(raw) == 0 {
		return &Result{Success: false}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err == nil {
		res := &Result{Success: true, Data: data}
		if v, ok := data["success"].(bool); ok {
			res.Success = v
		}
		return res
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &Result{Success: true, Raw: text}
	}
	return &Result{Success: true, Raw: string(raw)}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "write to subprocess") ||
		strings.Contains(msg, "read from subprocess")
}

// CurrentPrice resolves the current price for a ticker. Satisfies the price
// provider the metrics engine and portfolio views depend on.
func (c *Client) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	res, err := c.Call(ctx, ToolStockPrice, map[string]any{"ticker": ticker})
	if err != nil {
		return decimal.Zero, err
	}
	if !res.Success || res.Data == nil {
		return decimal.Zero, fmt.Errorf("%w: no price data for %s", domain.ErrValidation, ticker)
	}

	for _, key := range []string{"current_price", "price", "close"} {
		if v, ok := res.Data[key]; ok {
			return toDecimal(v)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: price field missing for %s", domain.ErrValidation, ticker)
}

// IsTradingDay reports whether the market trades on the given date
// (YYYY-MM-DD, empty means today).
func (c *Client) IsTradingDay(ctx context.Context, date string) (bool, error) {
	args := map[string]any{}
	if date != "" {
		args["date"] = date
	}
	res, err := c.Call(ctx, ToolTradingDay, args)
	if err != nil {
		return false, err
	}
	if res.Data != nil {
		if v, ok := res.Data["is_trading_day"].(bool); ok {
			return v, nil
		}
	}
	return res.Success, nil
}

// PriceHistory fetches recent closing prices for a ticker, newest last.
func (c *Client) PriceHistory(ctx context.Context, ticker string, days int) ([]float64, error) {
	res, err := c.Call(ctx, ToolPriceHistory, map[string]any{"ticker": ticker, "days": days})
	if err != nil {
		return nil, err
	}
	if res.Data == nil {
		return nil, fmt.Errorf("%w: no history for %s", domain.ErrValidation, ticker)
	}

	raw, ok := res.Data["closes"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: closes field missing for %s", domain.ErrValidation, ticker)
	}
	closes := make([]float64, 0, len(raw))
	for _, v := range raw {
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		f, _ := d.Float64()
		closes = append(closes, f)
	}
	return closes, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), nil
	case string:
		return decimal.NewFromString(x)
	case json.Number:
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported price value %T", domain.ErrValidation, v)
	}
}
