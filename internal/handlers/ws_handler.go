package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"research-notes-api/internal/middleware"
	"research-notes-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WSConfig tunes the socket read loop and writes.
type WSConfig struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout: 5 * time.Second,
		PongWait:     60 * time.Second,
		PingPeriod:   30 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

// wsSocket implements realtime.Socket on a gorilla connection. Writes are
// serialized because gorilla allows one concurrent writer.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSocket) Send(message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, message) == nil
}

func (s *wsSocket) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// reject sends one error frame, then a close frame with code, then closes.
func (s *wsSocket) reject(code int, message string) {
	frame, _ := json.Marshal(errorFrame{Type: "error", Message: message})
	s.Send(frame)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message), time.Now().Add(s.writeTimeout))
	s.Close()
}

func (s *wsSocket) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSHandler accepts the socket handshakes and runs one read loop per
// connection.
type WSHandler struct {
	hub      *realtime.Hub
	verifier middleware.TokenVerifier
	cfg      WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *realtime.Hub, verifier middleware.TokenVerifier, cfg WSConfig, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WSHandler{
		hub:      hub,
		verifier: verifier,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is handled at the gin level.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Anonymous handles GET /ws.
func (h *WSHandler) Anonymous(c *gin.Context) {
	h.serve(c, realtime.ConnectOptions{Variant: realtime.VariantAnonymous})
}

// Identified handles GET /ws/:client_id.
func (h *WSHandler) Identified(c *gin.Context) {
	h.serve(c, realtime.ConnectOptions{
		Variant:  realtime.VariantIdentified,
		ClientID: c.Param("client_id"),
	})
}

// Grouped handles GET /ws/:client_id/:group.
func (h *WSHandler) Grouped(c *gin.Context) {
	h.serve(c, realtime.ConnectOptions{
		Variant:  realtime.VariantGrouped,
		ClientID: c.Param("client_id"),
		Group:    c.Param("group"),
	})
}

// Database handles GET /ws/db.
func (h *WSHandler) Database(c *gin.Context) {
	h.serve(c, realtime.ConnectOptions{Variant: realtime.VariantDatabase})
}

// Authenticated handles GET /ws/auth. The token is checked after the upgrade
// so a failure can be reported on the socket itself.
func (h *WSHandler) Authenticated(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "path", c.FullPath(), "error", err)
		return
	}
	sock := newWSSocket(conn, h.cfg.WriteTimeout)

	token := middleware.BearerToken(c)
	if token == "" {
		h.log.Info("Rejected authenticated socket", "reason", "missing token")
		sock.reject(websocket.ClosePolicyViolation, "authentication token is required")
		return
	}
	user, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		h.log.Info("Rejected authenticated socket", "error", err)
		sock.reject(websocket.ClosePolicyViolation, "invalid or expired token")
		return
	}
	h.accept(sock, realtime.ConnectOptions{
		Variant:  realtime.VariantAuthenticated,
		UserInfo: user.Map(),
	})
}

func (h *WSHandler) serve(c *gin.Context, opts realtime.ConnectOptions) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "path", c.FullPath(), "error", err)
		return
	}
	h.accept(newWSSocket(conn, h.cfg.WriteTimeout), opts)
}

func (h *WSHandler) accept(sock *wsSocket, opts realtime.ConnectOptions) {
	client, err := h.hub.Connect(sock, opts)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, realtime.ErrClientIDInUse) || errors.Is(err, realtime.ErrEmptyClientID) {
			code = websocket.ClosePolicyViolation
		}
		sock.reject(code, err.Error())
		return
	}
	h.readLoop(client, sock)
}

// readLoop is the single exit path of a connection: whatever ends the loop,
// the Hub drops the connection. Frames run under the connection's own
// context; the hijacked request's context outlives a dead peer.
func (h *WSHandler) readLoop(client *realtime.Connection, sock *wsSocket) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Disconnect(sock)
	}()
	go h.keepAlive(sock, done)

	conn := sock.conn
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("Socket read failed", "connection_id", client.ID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.hub.HandleFrame(client.Context(), client, data)
	}
}

func (h *WSHandler) keepAlive(sock *wsSocket, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sock.ping(); err != nil {
				// The read loop notices the dead peer on its next read.
				return
			}
		}
	}
}
