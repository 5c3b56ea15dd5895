package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"microstable/core/events"
	"microstable/core/types"
	"microstable/observability"
)

type typedEvent interface {
	Event() *types.Event
}

// handleEvents streams engine events as JSON text frames. The optional owner
// and type query parameters filter the stream; type matches by prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.events.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, updates, owner, prefix); err != nil {
		observability.Events().RecordDisconnect()
		s.logger.DebugContext(r.Context(), "cdpd: event stream ended", slog.Any("error", err))
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, updates <-chan events.Event, owner, prefix string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			typed, ok := evt.(typedEvent)
			if !ok || typed.Event() == nil {
				continue
			}
			payload := typed.Event()
			if prefix != "" && !strings.HasPrefix(payload.Type, prefix) {
				continue
			}
			if owner != "" && payload.Attr("owner") != owner {
				continue
			}
			if err := s.writeEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
