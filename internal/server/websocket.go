package server

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
)

const writePongTimeout = 5 * time.Second

// handleWebSocket upgrades the connection and registers it with the event
// hub. The read loop answers ping frames and otherwise just watches for the
// close; all writes flow through the hub broadcast.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORSOrigins,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}

	s.hub.Add(conn)
	defer func() {
		s.hub.Remove(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			// The reply uses the same envelope as broadcast events.
			payload, err := domain.MarshalJSON(events.NewEvent(events.Pong, "", nil))
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to encode pong")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writePongTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
