package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

const (
	frameMessageCreated = "message.created"
	frameHeartbeat      = "heartbeat"
)

// eventFrame is one JSON text frame on the events socket.
type eventFrame struct {
	Type            string               `json:"type"`
	ConversationKey string               `json:"conversationKey,omitempty"`
	MessageID       string               `json:"messageId,omitempty"`
	CreatedAt       time.Time            `json:"createdAt,omitzero"`
	Direction       messagelog.Direction `json:"direction,omitempty"`
	Body            string               `json:"body,omitempty"`
}

func frameFor(ev messagelog.ChangeEvent) eventFrame {
	return eventFrame{
		Type:            frameMessageCreated,
		ConversationKey: ev.ConversationKey,
		MessageID:       ev.MessageID,
		CreatedAt:       ev.CreatedAt,
		Direction:       ev.Direction,
		Body:            ev.Body,
	}
}

// handleEvents streams one operator's change events. A heartbeat goes out
// right after the upgrade and then every HeartbeatInterval. Events that do
// not fit the socket queue are dropped; clients recover them by polling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, operatorID string) {
	queue := make(chan eventFrame, s.cfg.EventQueueSize)
	sub, err := s.log.Subscribe(operatorID, func(ev messagelog.ChangeEvent) {
		select {
		case queue <- frameFor(ev):
		default:
			s.metrics.framesDropped.Inc()
		}
	})
	if err != nil {
		s.writeLogError(w, err, getCorrelationID(r))
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logf("events accept failed for operator %s: %v", operatorID, err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "internal error") }()

	s.metrics.sockets.Inc()
	defer s.metrics.sockets.Dec()

	// the client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	if err := s.writeFrame(ctx, conn, eventFrame{Type: frameHeartbeat}); err != nil {
		return
	}
	for {
		var frame eventFrame
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame = <-queue:
		case <-ticker.C:
			frame = eventFrame{Type: frameHeartbeat}
		}
		if err := s.writeFrame(ctx, conn, frame); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				s.logf("events write failed for operator %s: %v", operatorID, err)
			}
			return
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame eventFrame) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return err
	}
	s.metrics.framesSent.WithLabelValues(frame.Type).Inc()
	return nil
}
