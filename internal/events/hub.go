package events

import (
	"context"
	"sync"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Subscriber is one WebSocket connection from the hub's perspective.
// *websocket.Conn satisfies it; tests substitute fakes.
type Subscriber interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// writeTimeout bounds one send so a stalled client cannot block the hub.
const writeTimeout = 5 * time.Second

// Hub is the process-global set of WebSocket subscribers.
// Delivery is at-most-once, best-effort, unordered across connections; a
// subscriber whose send fails is evicted.
type Hub struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
	log  zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[Subscriber]struct{}),
		log:  log.With().Str("module", "events").Logger(),
	}
}

// Add registers a subscriber after its handshake completed.
func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	h.log.Debug().Int("subscribers", len(h.subs)).Msg("Subscriber added")
}

// Remove unregisters a subscriber (normal disconnect).
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast serializes the event (non-ASCII preserved) and sends it to every
// subscriber. Failed subscribers are evicted. The timestamp is filled in
// when the caller left it empty.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payload, err := domain.MarshalJSON(event)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode event")
		return
	}

	// Send on a snapshot so eviction never mutates the set mid-iteration.
	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	var failed []Subscriber
	for _, sub := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sub.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			failed = append(failed, sub)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, sub := range failed {
			delete(h.subs, sub)
		}
		remaining := len(h.subs)
		h.mu.Unlock()

		h.log.Debug().
			Int("evicted", len(failed)).
			Int("subscribers", remaining).
			Msg("Evicted failed subscribers")
	}
}

// EmitAgentStatus broadcasts an agent_status event.
func (h *Hub) EmitAgentStatus(agentID, status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	h.Broadcast(NewEvent(AgentStatus, agentID, data))
}

// EmitTradeExecution broadcasts a trade_execution event.
func (h *Hub) EmitTradeExecution(agentID string, data map[string]any) {
	h.Broadcast(NewEvent(TradeExecution, agentID, data))
}

// EmitStrategyChange broadcasts a strategy_change event.
func (h *Hub) EmitStrategyChange(agentID string, data map[string]any) {
	h.Broadcast(NewEvent(StrategyChange, agentID, data))
}

// EmitPortfolioUpdate broadcasts a portfolio_update event.
func (h *Hub) EmitPortfolioUpdate(agentID string, data map[string]any) {
	h.Broadcast(NewEvent(PortfolioUpdate, agentID, data))
}

// EmitPerformanceUpdate broadcasts a performance_update event.
func (h *Hub) EmitPerformanceUpdate(agentID string, data map[string]any) {
	h.Broadcast(NewEvent(PerformanceUpdate, agentID, data))
}

// EmitError broadcasts an error event.
func (h *Hub) EmitError(agentID, message string) {
	h.Broadcast(NewEvent(Error, agentID, map[string]any{"message": message}))
}

// EmitExecution broadcasts one of the execution_* lifecycle events.
func (h *Hub) EmitExecution(eventType EventType, agentID, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	h.Broadcast(NewEvent(eventType, agentID, data))
}
