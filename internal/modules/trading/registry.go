package trading

import (
	"context"
	"sync"

	"github.com/casualtrader/arena/internal/domain"
)

// ActiveRegistry enforces one live execution per agent. An entry exists for
// the whole lifetime of an execution goroutine; acquisition happens
// synchronously before any session row is created so a second start observes
// the conflict immediately.
type ActiveRegistry struct {
	mu      sync.Mutex
	entries map[string]*activeEntry
}

type activeEntry struct {
	cancel    context.CancelFunc
	sessionID string
	stopped   bool
}

// NewActiveRegistry creates an empty registry
func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{entries: make(map[string]*activeEntry)}
}

// TryAcquire claims the agent's execution slot. Returns ErrAgentBusy when an
// execution is already live.
func (r *ActiveRegistry) TryAcquire(agentID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[agentID]; exists {
		return domain.ErrAgentBusy
	}
	r.entries[agentID] = &activeEntry{cancel: cancel}
	return nil
}

// BindSession records the session an acquired slot is serving.
func (r *ActiveRegistry) BindSession(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		e.sessionID = sessionID
	}
}

// Release frees the agent's slot. Only the execution goroutine calls this,
// on return.
func (r *ActiveRegistry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentID)
}

// Stop cancels the agent's live execution without releasing the slot; the
// goroutine releases it when it unwinds. The second return reports whether a
// live execution existed.
func (r *ActiveRegistry) Stop(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return "", false
	}
	e.stopped = true
	e.cancel()
	return e.sessionID, true
}

// Stopped reports whether Stop was called for the agent's live execution.
// Used to tell an operator cancel apart from a deadline expiry.
func (r *ActiveRegistry) Stopped(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	return ok && e.stopped
}

// SessionID returns the session bound to the agent's live execution.
func (r *ActiveRegistry) SessionID(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return "", false
	}
	return e.sessionID, true
}

// Active reports whether the agent has a live execution.
func (r *ActiveRegistry) Active(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[agentID]
	return ok
}

// Count returns the number of live executions.
func (r *ActiveRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
