// Package live serves the WebSocket endpoint that feeds push subscribers.
package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/statusboard/internal/notifications"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"github.com/bissquit/statusboard/internal/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config holds live connection settings.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultConfig returns default live connection settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Handler upgrades viewers to WebSocket and registers them as push subscribers.
type Handler struct {
	registry *notifications.Registry
	config   Config
	upgrader websocket.Upgrader
}

// NewHandler creates a new live handler.
func NewHandler(registry *notifications.Registry, config Config) *Handler {
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}

	h := &Handler{
		registry: registry,
		config:   config,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return h
}

// RegisterRoutes registers live routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/organizations/{orgID}/live", h.Live)
}

// Live handles GET /organizations/{orgID}/live.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	logger := ctxlog.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Debug("websocket upgrade failed", "error", err)
		metrics.LiveUpgrades.WithLabelValues("rejected").Inc()
		return
	}
	metrics.LiveUpgrades.WithLabelValues("accepted").Inc()

	connID := uuid.NewString()
	handle := newConnHandle(conn, h.config.WriteTimeout)
	h.registry.Register(connID, orgID, handle)

	logger.Info("live subscriber connected",
		"connection_id", connID,
		"organization_id", orgID,
	)

	stop := make(chan struct{})
	go h.pingLoop(handle, stop)

	h.readLoop(conn)

	close(stop)
	h.registry.Unregister(connID)
	_ = handle.Close()

	logger.Info("live subscriber disconnected", "connection_id", connID)
}

// readLoop discards client messages and returns when the connection fails or closes.
func (h *Handler) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(h.config.MaxMessageSize)
	pongWait := h.config.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) pingLoop(handle *connHandle, stop <-chan struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := handle.ping(); err != nil {
				_ = handle.Close()
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		// Same-origin requests are always allowed.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// connHandle adapts a WebSocket connection to notifications.Handle.
type connHandle struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConnHandle(conn *websocket.Conn, writeTimeout time.Duration) *connHandle {
	return &connHandle{conn: conn, writeTimeout: writeTimeout}
}

// Send writes msg as one text frame. Writes are serialized.
func (c *connHandle) Send(ctx context.Context, msg []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *connHandle) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close closes the underlying connection once.
func (c *connHandle) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
