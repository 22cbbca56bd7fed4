package network

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"versus/server/pubsub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSServer upgrades HTTP requests and runs one read and one write pump per connection.
type WSServer struct {
	broker   Dispatcher
	upgrader websocket.Upgrader
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewWSServer accepts any origin when allowedOrigins is empty or contains "*".
func NewWSServer(broker Dispatcher, allowedOrigins []string, log *zap.Logger) *WSServer {
	return &WSServer{
		broker: broker,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("[WS] upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn, sub := s.broker.Open()
	s.log.Info("[WS] connection established", zap.String("conn_id", conn.ID), zap.String("remote", r.RemoteAddr))

	s.wg.Add(2)
	go s.writePump(ws, sub)
	go s.readPump(ws, conn.ID)
}

// Wait blocks until every pump has exited.
func (s *WSServer) Wait() {
	s.wg.Wait()
}

func (s *WSServer) readPump(ws *websocket.Conn, connID string) {
	defer s.wg.Done()
	defer func() {
		s.broker.Close(connID)
		ws.Close()
		s.log.Info("[WS] connection closed", zap.String("conn_id", connID))
	}()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("[WS] unexpected close", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		s.broker.Dispatch(connID, frame)
	}
}

func (s *WSServer) writePump(ws *websocket.Conn, sub pubsub.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer s.wg.Done()
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-sub:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed connection"))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
