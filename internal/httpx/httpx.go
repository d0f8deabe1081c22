// Package httpx holds the JSON response conventions shared by every HTTP
// handler: UTF-8-preserving encoding, the {"detail": ...} error shape and
// the mapping from error kinds to status codes.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/domain"
)

// WriteJSON writes a JSON response. Non-ASCII text (tickers, company names,
// model output) is emitted as-is, not escaped.
func WriteJSON(w http.ResponseWriter, log zerolog.Logger, status int, data any) {
	payload, err := domain.MarshalJSON(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// WriteError maps a service error to its status code and writes the
// {"detail": message} body.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	WriteJSON(w, log, status, map[string]string{"detail": err.Error()})
}

// StatusFor classifies an error by its domain kind.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAgentBusy),
		errors.Is(err, domain.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientHoldings),
		errors.Is(err, domain.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
