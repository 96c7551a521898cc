package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/bus"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StreamMessage is one event frame sent to WebSocket clients.
type StreamMessage struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// handleEventsWS streams bus events. ?agent=<id> narrows the stream to one
// agent. Slow clients lose events rather than block publishers.
func (s *Server) handleEventsWS(c *gin.Context) {
	subject := events.AllSubjects
	if agentID := c.Query("agent"); agentID != "" {
		subject = events.SubjectPrefix + "." + agentID + ".>"
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	ch := make(chan StreamMessage, eventBuffer)
	sub, err := s.bus.Subscribe(subject, func(_ context.Context, subj string, ev *bus.Event) error {
		select {
		case ch <- StreamMessage{Subject: subj, Event: ev}:
		default:
			s.logger.Debug("dropping event for slow stream client", zap.String("subject", subj))
		}
		return nil
	})
	if err != nil {
		s.logger.Error("event subscription failed", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeTimeout))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.logger.Info("event stream connected", zap.String("subject", subject))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			s.logger.Debug("event stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		}
	}
}
