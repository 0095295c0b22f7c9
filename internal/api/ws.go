package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"studyflow/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// websocket registers the connection with the hub and echoes client text
// until the peer goes away.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := notify.NewWSSubscriber(conn, s.WSWriteTimeout)
	s.Hub.Add(sub)
	l := s.log.With().Str("subscriber", sub.ID()).Logger()
	l.Debug().Msg("websocket connected")

	defer func() {
		if s.Hub.Remove(sub) {
			_ = sub.Close()
		}
		l.Debug().Msg("websocket disconnected")
	}()

	conn.SetReadLimit(64 << 10)
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := sub.Echo(msg); err != nil {
			return
		}
	}
}
