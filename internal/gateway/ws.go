package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient serializes frame writes to one connection. The read loop and the
// chat stream consumer both send frames.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(frame protocol.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{conn: conn}
	st := s.sessions.Open()
	log := s.logger.With(slog.String("session_id", st.SessionID))
	log.Info("realtime session opened")

	defer func() {
		s.sessions.Close(st.SessionID)
		_ = client.Close()
		log.Info("realtime session closed")
	}()

	if err := s.handler.Hello(client); err != nil {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var ctl protocol.ClientControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				log.Warn("unparseable control message", slog.String("error", err.Error()))
				continue
			}
			stop, err := s.handler.HandleControl(r.Context(), st, ctl, client)
			if err != nil {
				return
			}
			if stop {
				return
			}
		case websocket.BinaryMessage:
			if err := s.handler.HandleUtterance(r.Context(), st, data, client); err != nil {
				return
			}
		}
	}
}
