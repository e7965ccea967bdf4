// Package websocket runs request/reply conversations over WebSocket
// connections: every inbound text frame gets exactly one reply frame, in order.
package websocket

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handler answers one inbound frame. An error ends the connection.
type Handler func(ctx context.Context, msg []byte) ([]byte, error)

type Config struct {
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit      int64
	PingInterval   time.Duration
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{ReadLimit: 32 << 10, PingInterval: 30 * time.Second, AllowedOrigins: []string{"*"}}
}

type session struct {
	id   string
	conn Conn
}

// Hub tracks open conversations so the server can close them on shutdown.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool

	cfg      Config
	upgrader gorillawebsocket.Upgrader
	log      zerolog.Logger
}

func NewHub(cfg Config, log zerolog.Logger) *Hub {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	h := &Hub{
		sessions: make(map[*session]struct{}),
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients, which send no Origin header.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Serve upgrades the request and answers frames with handle until the client
// goes away. It blocks for the lifetime of the connection.
func (h *Hub) Serve(c echo.Context, handle Handler) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	pongWait := 2 * h.cfg.PingInterval
	ws.SetReadLimit(h.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepalive(ws, stop)
	}()

	h.run(c.Request().Context(), &gorillaConnAdapter{ws}, handle)
	close(stop)
	wg.Wait()
	return nil
}

// keepalive pings until stop closes. WriteControl may run concurrently with
// WriteMessage.
func (h *Hub) keepalive(ws *gorillawebsocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) run(ctx context.Context, conn Conn, handle Handler) {
	s := &session{id: uuid.NewString(), conn: conn}
	if !h.register(s) {
		_ = conn.Close()
		return
	}
	defer h.unregister(s)

	log := h.log.With().Str("conn_id", s.id).Logger()
	log.Debug().Msg("connection opened")
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		if kind != gorillawebsocket.TextMessage {
			continue
		}

		reply, err := handle(ctx, msg)
		if err != nil {
			log.Warn().Err(err).Msg("handler failed, closing connection")
			return
		}
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, reply); err != nil {
			log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	_ = s.conn.Close()
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll drops every open connection and refuses new ones. A turn already
// in progress still finishes; only its reply is lost.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.sessions {
		_ = s.conn.Close()
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
