package web

import (
	"net/http"
	"sync"
	"time"

	"multicam-recorder/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	streamBuffer   = 256
	maxMessageSize = 512
)

// EventStream pushes diagnostics events to websocket clients as JSON
type EventStream struct {
	source   EventSource
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewEventStream creates a stream over source
func NewEventStream(source EventSource, logger *zap.Logger) *EventStream {
	return &EventStream{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// read-only diagnostics, any origin may watch
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
	}
}

// HandleWebSocket upgrades the connection and streams events until the client leaves
func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, "Event stream not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	logger := s.logger.With(zap.String("client_id", clientID))

	ch, err := s.source.Subscribe(clientID, streamBuffer)
	if err != nil {
		logger.Error("Failed to subscribe to events", zap.Error(err))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[clientID] = conn
	s.mu.Unlock()

	logger.Info("Event client connected", zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go s.readPump(conn, done, logger)
	s.writePump(conn, ch, done, logger)

	s.source.Unsubscribe(clientID)
	conn.Close()
	// the read pump logs through the same logger; it must be gone before we return
	<-done
	logger.Info("Event client disconnected")

	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// readPump discards client messages and notices when the client goes away
func (s *EventStream) readPump(conn *websocket.Conn, done chan struct{}, logger *zap.Logger) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *EventStream) writePump(conn *websocket.Conn, ch <-chan events.Event, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Clients returns the number of connected clients
func (s *EventStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(s.clients, id)
	}
}
