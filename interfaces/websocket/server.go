package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lattice-core/interfaces/http/rest/middleware"
)

// ServerConfig bounds the upgrade path.
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	MaxPerViewer    int
}

// DefaultServerConfig suits a daemon on loopback: buffers sized for small
// frames and origins unchecked because the socket never leaves the machine.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
		MaxPerViewer:    10,
	}
}

// Server upgrades HTTP requests into hub connections. It is mounted on the
// main router rather than owning its own listener.
type Server struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	maxPerViewer int
	logger       *zap.Logger
}

// NewServer creates an upgrade handler. A nil config means defaults.
func NewServer(hub *Hub, config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		maxPerViewer: config.MaxPerViewer,
		logger:       logger.Named("ws"),
	}
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	viewerID := viewerFromRequest(r)

	// A reconnect storm from one pane must not pile up connections.
	if s.maxPerViewer > 0 && s.hub.ConnectionsForViewer(viewerID) >= s.maxPerViewer {
		s.logger.Warn("connection limit reached",
			zap.String("viewer", viewerID),
			zap.Int("limit", s.maxPerViewer),
		)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("upgrade failed",
			zap.Error(err),
			zap.String("remote", r.RemoteAddr),
		)
		return
	}

	client := NewClient(viewerID, s.hub, conn, s.logger)
	client.Start()

	s.logger.Info("websocket upgraded",
		zap.String("viewer", viewerID),
		zap.String("connection", client.ID()),
		zap.String("remote", r.RemoteAddr),
	)
}

// Hub returns the hub behind this server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// viewerFromRequest resolves the viewer identity for an upgrade request.
// Browser dialers cannot set headers, so the query parameter is checked
// first and the header kept as the fallback for native clients.
func viewerFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("viewer"); v != "" {
		return v
	}
	if v := r.Header.Get(middleware.HeaderViewer); v != "" {
		return v
	}
	return middleware.DefaultViewer
}
