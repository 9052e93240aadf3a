package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/broadcast"
)

const (
	// Subscribers only send control frames.
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the JSON envelope of an event on the WebSocket transport.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebSocket carries the same events as SSE over text frames. Heartbeats are
// ping control frames.
type WebSocket struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// UpgradeWebSocket upgrades the request and starts reading control frames.
// pongWait bounds how long the peer may stay silent, pongs included.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, writeTimeout, pongWait time.Duration, logger *zap.Logger) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading websocket: %w", err)
	}

	s := &WebSocket{
		id:           broadcast.NewID(),
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go s.readPump(pongWait)
	return s, nil
}

func (s *WebSocket) ID() string { return s.id }

// readPump discards peer frames and marks the stream done on any read error,
// which is how a closed peer surfaces.
func (s *WebSocket) readPump(pongWait time.Duration) {
	defer s.markDone()

	s.conn.SetReadLimit(maxMessageSize)
	if pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read error",
					zap.String("id", s.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (s *WebSocket) Send(msg broadcast.Message) error {
	payload, err := json.Marshal(frame{Event: msg.Name, Data: msg.Data})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broadcast.ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(s.deadline())
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Comment sends text as the payload of a ping frame.
func (s *WebSocket) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broadcast.ErrStreamClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, []byte(text), s.deadline())
}

func (s *WebSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), s.deadline())
	err := s.conn.Close()
	s.mu.Unlock()

	s.markDone()
	return err
}

func (s *WebSocket) Done() <-chan struct{} { return s.done }

func (s *WebSocket) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *WebSocket) deadline() time.Time {
	if s.writeTimeout <= 0 {
		return time.Now().Add(10 * time.Second)
	}
	return time.Now().Add(s.writeTimeout)
}
