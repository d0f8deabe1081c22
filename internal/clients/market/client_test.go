package market

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoClient starts a shell loop that answers every request line with the
// given canned JSON-RPC response.
func echoClient(t *testing.T, response string, opts ...Option) *Client {
	t.Helper()
	script := `while read line; do echo '` + response + `'; done`
	c := NewClient("/bin/sh", []string{"-c", script}, zerolog.Nop(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallParsesStructuredResult(t *testing.T) {
	c := echoClient(t, `{"jsonrpc":"2.0","id":1,"result":{"success":true,"current_price":505.5,"company_name":"台積電"}}`)

	res, err := c.Call(context.Background(), ToolStockPrice, map[string]any{"ticker": "2330"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "台積電", res.Data["company_name"])
}

func TestCurrentPrice(t *testing.T) {
	c := echoClient(t, `{"jsonrpc":"2.0","id":1,"result":{"success":true,"current_price":505.5}}`)

	price, err := c.CurrentPrice(context.Background(), "2330")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("505.5")), "got %s", price)
}

func TestIsTradingDay(t *testing.T) {
	c := echoClient(t, `{"jsonrpc":"2.0","id":1,"result":{"success":true,"is_trading_day":false}}`)

	open, err := c.IsTradingDay(context.Background(), "2026-01-01")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestCallSurfacesRPCError(t *testing.T) {
	c := echoClient(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"unknown tool"}}`)

	_, err := c.Call(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestCallTimesOutAndRetries(t *testing.T) {
	// The subprocess never answers; every attempt must time out.
	c := NewClient("/bin/sh", []string{"-c", "while read line; do sleep 60; done"}, zerolog.Nop(),
		WithCallTimeout(50*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	start := time.Now()
	_, err := c.Call(context.Background(), ToolStockPrice, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCallRespectsCallerDeadline(t *testing.T) {
	c := NewClient("/bin/sh", []string{"-c", "while read line; do sleep 60; done"}, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, ToolStockPrice, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := echoClient(t, `{"jsonrpc":"2.0","id":1,"result":{"success":true}}`)

	_, err := c.Call(context.Background(), ToolStockPrice, nil)
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestCloseWhileCallInFlight(t *testing.T) {
	c := NewClient("/bin/sh", []string{"-c", "while read line; do sleep 60; done"}, zerolog.Nop(),
		WithCallTimeout(50*time.Millisecond))

	// The reader goroutine from the timed-out call is still blocked on the
	// pipe when Close tears the process down.
	_, err := c.callOnce(context.Background(), ToolStockPrice, nil)
	require.Error(t, err)
	require.NoError(t, c.Close())
	time.Sleep(100 * time.Millisecond)
}

func TestParseResult(t *testing.T) {
	res := parseResult(json.RawMessage(`{"success":false,"reason":"closed"}`))
	assert.False(t, res.Success)
	assert.Equal(t, "closed", res.Data["reason"])

	res = parseResult(json.RawMessage(`"plain text answer"`))
	assert.True(t, res.Success)
	assert.Equal(t, "plain text answer", res.Raw)

	res = parseResult(nil)
	assert.False(t, res.Success)
}
