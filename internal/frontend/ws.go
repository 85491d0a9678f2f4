package frontend

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 64 * 1024
	eventBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsError is sent on the chat socket when a message cannot be answered.
type wsError struct {
	Error string `json:"error"`
}

// handleAgentSocket carries a chat session over one WebSocket. Each
// inbound MessageRequest frame is answered with a MessageReply array.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "agent not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	s.logger.Info("chat socket opened", "agent", rt.Name(), "remote", r.RemoteAddr)
	ctx := r.Context()

	for {
		var req MessageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !isNormalClose(err) {
				s.logger.Debug("chat socket read failed", "agent", rt.Name(), "error", err)
			}
			return
		}
		if req.Text == "" {
			if err := conn.WriteJSON(wsError{Error: "text is required"}); err != nil {
				return
			}
			continue
		}
		s.publishSocket(rt.Name(), events.KindMessageReceived)

		resp, err := rt.ProcessMessage(ctx, plugin.Message{
			RoomID: req.RoomID,
			UserID: req.UserID,
			Text:   req.Text,
		})
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err != nil {
			s.logger.Error("socket message failed", "agent", rt.Name(), "error", err)
			if err := conn.WriteJSON(wsError{Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(replies(rt, resp)); err != nil {
			return
		}
	}
}

// handleEvents streams bus events as JSON frames until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(eventBuffer)
	defer s.events.Unsubscribe(ch)

	// The reader only watches for the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// publishSocket notes socket traffic on the bus.
func (s *Server) publishSocket(agent, kind string) {
	s.events.Publish(events.Event{
		Source: events.SourceFrontend,
		Kind:   kind,
		Data:   map[string]any{"agent": agent, "transport": "websocket"},
	})
}
