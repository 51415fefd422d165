package collab

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimoire/collab/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

// Server accepts websocket connections on /collab/{documentID}.
type Server struct {
	gate     *Gate
	registry *Registry
	upgrader websocket.Upgrader
}

func NewServer(gate *Gate, registry *Registry, allowedOrigin string) *Server {
	return &Server{
		gate:     gate,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	documentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/collab/"), "/")
	if documentID == "" || strings.Contains(documentID, "/") {
		http.NotFound(w, r)
		return
	}

	principal, err := s.gate.Authenticate(r.Context(), requestToken(r))
	if errors.Is(err, ErrUnauthenticated) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Printf("collab: authenticate: %v", err)
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	room, err := s.registry.Acquire(r.Context(), documentID, principal)
	if errors.Is(err, ErrDocumentUnavailable) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("collab: open %s: %v", documentID, err)
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Release(room)
		log.Printf("collab: upgrade %s: %v", documentID, err)
		return
	}

	conn := &Conn{ws: ws, room: room, principal: principal, send: make(chan []byte, sendBuffer)}
	metrics.Connections.Inc()
	go conn.writePump()
	if room.Join(conn) {
		conn.readPump()
	}

	room.Leave(conn)
	conn.close()
	s.registry.Release(room)
	metrics.Connections.Dec()
}

// requestToken reads a bearer token from the Authorization header, or the
// token query parameter for browsers that cannot set headers on websockets.
func requestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Conn is one websocket connection to a room.
type Conn struct {
	ws        *websocket.Conn
	room      *Room
	principal Principal

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Send queues frame for writing. A full buffer closes the connection.
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("collab: %s is not keeping up, disconnecting", c.principal.UserID)
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("collab: read %s: %v", c.room.ID(), err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, payload, err := decodeFrame(msg)
		if err != nil {
			log.Printf("collab: %s sent bad frame: %v", c.principal.UserID, err)
			return
		}
		switch frame {
		case FrameSync:
			if !c.Send(encodeFrame(FrameSync, c.room.State())) {
				return
			}
		case FrameUpdate:
			if err := c.room.Apply(context.Background(), c, c.principal, payload); err != nil {
				log.Printf("collab: %v", err)
				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
