package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write; a stalled peer is dropped
	// rather than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong after a ping before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the peer can reply.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames. Agents only send close/pong
	// frames; all protocol traffic goes over the REST API.
	maxFrameSize = 512

	// sendBufferSize is the per-subscriber outbound buffer. A full buffer
	// marks the subscriber too slow and it is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket upgrade. Origin checks are left to
// the reverse proxy; the socket itself is gated by request signatures at the
// HTTP layer before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is one connected push socket. Each subscriber runs two
// goroutines: readPump (detects disconnection, resets deadlines on pong) and
// writePump (the only goroutine writing to the wire).
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the handoff between Publish and writePump; closed by the hub
	// when the subscriber is unregistered.
	send chan Event

	// topics is fixed at connection time. Read-only afterwards.
	topics []string

	logger *zap.Logger
}

// NewSubscriber upgrades the HTTP connection and wraps it in a Subscriber
// listening on the given topics. Returns an error if the handshake fails.
func NewSubscriber(h *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Subscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		hub:    h,
		conn:   conn,
		send:   make(chan Event, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the subscriber and pumps frames until the connection closes.
// Called from the HTTP handler after the upgrade; blocking there is fine.
func (s *Subscriber) Run() {
	s.hub.Subscribe(s)

	go s.writePump()
	s.readPump()
}

// readPump watches for disconnection and keeps the read deadline fresh on
// every pong. Application frames from the peer are not expected.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.Unsubscribe(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("hub: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("hub: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events from the send channel to the wire and pings on a
// timer so readPump can detect stale peers.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("hub: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Warn("hub: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("hub: failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
