// Package events provides the WebSocket event bus used for real-time
// session, trade and portfolio notifications.
package events

import "time"

// EventType identifies the kind of message pushed to subscribers.
type EventType string

const (
	AgentStatus        EventType = "agent_status"
	TradeExecution     EventType = "trade_execution"
	StrategyChange     EventType = "strategy_change"
	PortfolioUpdate    EventType = "portfolio_update"
	PerformanceUpdate  EventType = "performance_update"
	Error              EventType = "error"
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionFailed    EventType = "execution_failed"
	ExecutionStopped   EventType = "execution_stopped"
	Pong               EventType = "pong"
)

// Event is the wire message pushed to every subscriber.
// Timestamp is ISO-8601 UTC with offset, filled in by the hub when absent.
type Event struct {
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(eventType EventType, agentID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}
