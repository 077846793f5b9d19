package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"materoom/chat-service/internal/models"
	"materoom/chat-service/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Session is one live realtime connection for one user. A user may hold
// several sessions at once (multiple devices or tabs).
type Session struct {
	UserID int
	Info   ConnInfo

	conn    *websocket.Conn
	send    chan models.Event
	gateway *Gateway

	// joined conversation rooms; mutated only by the Registry under its lock
	rooms map[int]bool

	// closed when the write pump exits
	done chan struct{}

	closeOnce sync.Once
}

func newSession(userID int, info ConnInfo, conn *websocket.Conn, gateway *Gateway) *Session {
	return &Session{
		UserID:  userID,
		Info:    info,
		conn:    conn,
		send:    make(chan models.Event, sendBuffer),
		gateway: gateway,
		rooms:   make(map[int]bool),
		done:    make(chan struct{}),
	}
}

// Queue enqueues an event for delivery to this session. A session that
// cannot keep up with its send buffer is disconnected rather than
// allowed to stall relays for the whole room.
func (s *Session) Queue(evt models.Event) {
	select {
	case s.send <- evt:
	default:
		s.closeOnce.Do(func() {
			log.Printf("session %s send buffer full, dropping connection", s.Info.ConnID)
			s.conn.Close()
		})
	}
}

// QueueWait enqueues an event, waiting for buffer space instead of
// dropping the connection. Used for the initial presence snapshot, which
// can exceed the send buffer in one burst; requires the write pump to be
// running so the buffer drains.
func (s *Session) QueueWait(evt models.Event) {
	select {
	case s.send <- evt:
	case <-s.done:
	}
}

// readPump reads frames off the connection and dispatches each one to
// completion before reading the next, so events from a single connection
// are handled in order.
func (s *Session) readPump() {
	ctx := context.Background()
	var closeReason string
	defer func() {
		s.gateway.HandleDisconnect(ctx, s)
		s.conn.Close()
		s.publishLifecycle(ctx, "ws_disconnect", closeReason)
		observability.DecWSActive("chat")
		observability.IncWSEvent("chat", "ws_disconnect")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("chat", "ws_error")
				s.publishLifecycle(ctx, "ws_error", closeReason)
			}
			return
		}

		var evt models.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			s.Queue(models.Event{Type: models.EventError, Error: "malformed event"})
			continue
		}
		s.gateway.Dispatch(ctx, s, evt)
	}
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case evt, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(evt); err != nil {
				log.Printf("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) publishLifecycle(ctx context.Context, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "chat",
			"event":       event,
			"conn_id":     s.Info.ConnID,
			"duration_ms": time.Since(s.Info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   s.Info.UserID,
			"device_id": s.Info.DeviceID,
			"ip":        s.Info.IP,
		},
	}

	headers := observability.BuildHeaders(s.Info.RequestID, s.Info.TraceID)
	_ = observability.PublishEvent(ctx, "ws_events.chats", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
}
