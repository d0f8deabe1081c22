package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type fakeSub struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
}

func (f *fakeSub) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.messages = append(f.messages, buf)
	return nil
}

func (f *fakeSub) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	a, b := &fakeSub{}, &fakeSub{}
	hub.Add(a)
	hub.Add(b)

	hub.EmitTradeExecution("agent-1", map[string]any{"ticker": "2330"})

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)

	var event Event
	require.NoError(t, json.Unmarshal(a.received()[0], &event))
	assert.Equal(t, TradeExecution, event.Type)
	assert.Equal(t, "agent-1", event.AgentID)
	assert.Equal(t, "2330", event.Data["ticker"])
	assert.NotEmpty(t, event.Timestamp)
}

func TestBroadcastEvictsFailedSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	healthy, broken := &fakeSub{}, &fakeSub{fail: true}
	hub.Add(healthy)
	hub.Add(broken)
	require.Equal(t, 2, hub.Count())

	hub.EmitError("agent-1", "something broke")

	assert.Equal(t, 1, hub.Count(), "failed subscriber is evicted")
	assert.Len(t, healthy.received(), 1)

	// Subsequent broadcasts only reach the healthy subscriber.
	hub.EmitAgentStatus("agent-1", "ACTIVE", nil)
	assert.Len(t, healthy.received(), 2)
}

func TestRemoveSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	sub := &fakeSub{}
	hub.Add(sub)
	hub.Remove(sub)
	assert.Zero(t, hub.Count())

	hub.EmitPortfolioUpdate("agent-1", nil)
	assert.Empty(t, sub.received())
}

func TestBroadcastPreservesUnicode(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	sub := &fakeSub{}
	hub.Add(sub)

	hub.Broadcast(NewEvent(PerformanceUpdate, "agent-1", map[string]any{"summary": "摘要"}))

	require.Len(t, sub.received(), 1)
	payload := string(sub.received()[0])
	assert.Contains(t, payload, "摘要")
	assert.False(t, strings.Contains(payload, `\u`), "no unicode escapes: %s", payload)
}

func TestEmitExecutionStampsSessionID(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	sub := &fakeSub{}
	hub.Add(sub)

	hub.EmitExecution(ExecutionStopped, "agent-1", "session-9", nil)

	var event Event
	require.NoError(t, json.Unmarshal(sub.received()[0], &event))
	assert.Equal(t, ExecutionStopped, event.Type)
	assert.Equal(t, "session-9", event.Data["session_id"])
}
