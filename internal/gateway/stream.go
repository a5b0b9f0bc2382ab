package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// handleWS implements GET /ws?topic=<prefix>. Every bus event whose topic
// starts with prefix is pushed to the client as a JSON text frame. The
// stream is one-way; client frames other than close are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	// Subscribe before the handshake completes so no event published after
	// the client sees 101 is missed.
	topic := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topic)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	s.wsClients.Add(1)
	s.logger.Info("ws: client connected", "topic", topic)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.wsClients.Add(-1)
		s.logger.Info("ws: client disconnected", "topic", topic)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
