package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/escrowmirror/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// eventFrame is one bus event as sent to websocket clients.
type eventFrame struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// handleEvents streams bus events to an operator client. The optional
// "prefix" query parameter narrows the topics, for example ?prefix=sync.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin handshakes are always accepted by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	s.wsClients.Add(1)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.wsClients.Add(-1)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Clients only listen; CloseRead handles their close frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	s.forwardBusEvents(ctx, conn, sub)
}

func (s *Server) forwardBusEvents(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, eventFrame{Topic: ev.Topic, Payload: ev.Payload, SentAt: time.Now().UTC()})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
