package domain

import "errors"

// Error kinds classified by the services and mapped to HTTP codes by the
// handlers. Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrModelNotFound        = errors.New("model not found")
	ErrAgentBusy            = errors.New("agent execution already in progress")
	ErrValidation           = errors.New("validation failed")
	ErrConfiguration        = errors.New("configuration error")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrNoActiveSession      = errors.New("no active session for agent")
)
