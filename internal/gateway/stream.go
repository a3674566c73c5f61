package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-afm/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// streamMessage is one bus event forwarded to a websocket client.
type streamMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents implements GET /events?topic=<prefix>. It upgrades to a
// websocket and forwards matching bus events until the client goes away.
// The prefix must start with "task." or "fleet."; empty forwards everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not configured"})
		return
	}
	prefix := r.URL.Query().Get("topic")
	if prefix != "" && !strings.HasPrefix(prefix, bus.TopicTaskPrefix) && !strings.HasPrefix(prefix, bus.TopicFleetPrefix) {
		s.badRequest(w, r, errors.New("topic must start with task. or fleet."))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("events: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.streams.Add(1)
	defer s.streams.Add(-1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamClients.Add(r.Context(), 1)
		defer s.cfg.Metrics.StreamClients.Add(context.WithoutCancel(r.Context()), -1)
	}
	s.logger.Info("events: client connected", "topic", prefix)

	// The stream is write-only; CloseRead handles control frames and cancels
	// ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("events: client disconnected", "topic", prefix, "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, streamMessage{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Debug("events: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
