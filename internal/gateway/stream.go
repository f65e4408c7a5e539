package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/proofline/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// handleWS implements GET /ws?task_id=XXX. Without task_id the client
// receives changes for every task.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "unauthorized"})
		return
	}
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "notifications not available", Kind: "unavailable"})
		return
	}
	taskID := r.URL.Query().Get("task_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Subscribe(bus.Filter{TopicPrefix: bus.TopicTaskPrefix, TaskID: taskID})
	defer s.cfg.Bus.Unsubscribe(sub)

	// The feed is push-only; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "task_id", taskID)
	defer s.logger.Info("ws: client disconnected", "task_id", taskID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeNotification(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "task_id", taskID, "error", err)
				return
			}
		}
	}
}

// writeNotification sends one event. Clients treat it as a trigger to re-read
// the task.
func (s *Server) writeNotification(ctx context.Context, conn *websocket.Conn, n bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, n)
}
