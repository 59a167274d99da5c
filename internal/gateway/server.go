// Package gateway accepts game WebSocket connections, upgrades them,
// and feeds decoded frames into the registry. It is the only package
// that knows about gorilla/websocket; everything downstream talks to
// connections through the small Connection interface the registry
// and game packages define.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nugget/gary-gateway/internal/registry"
	"github.com/nugget/gary-gateway/internal/wire"
)

// Server accepts game connections over HTTP/WebSocket.
type Server struct {
	logger   *slog.Logger
	registry *registry.Registry
	upgrader websocket.Upgrader
}

// New creates a Server bound to reg. The upgrader uses gorilla's default
// read and write buffer sizes.
func New(logger *slog.Logger, reg *registry.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		registry: reg,
		upgrader: websocket.Upgrader{
			// Games are trusted local/LAN clients, not browsers; origin
			// checks would only get in the way of the common "game on
			// localhost, gateway on localhost" deployment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop
// until it closes. Route shape selects the protocol dialect:
// "/" is v1 (game name carried in the startup message), "/v2/<game>"
// or "/v2?game=<game>" is v2 (name bound at handshake).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version, gameName := routeVersion(r)
	if version == "2" && gameName == "" {
		http.Error(w, "v2 requires a game name in the path or query string", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: upgrade failed", "error", err)
		return
	}

	conn := newConnection(ws, version, s.logger.With("connection", "ws"))
	s.logger.Info("gateway: connection accepted", "version", version, "remote", r.RemoteAddr)
	s.registry.Connect(conn)
	defer s.registry.Disconnect(conn)

	if version == "1" {
		if encoded, err := wire.EncodeReregisterAll(); err == nil {
			_ = conn.Send(encoded)
		}
	} else if gameName != "" {
		if _, err := s.registry.Initiate(gameName, conn); err != nil {
			s.logger.Error("gateway: initiate v2 game failed", "game", gameName, "error", err)
			conn.Disconnect(1011, "internal error")
			return
		}
	}

	s.readLoop(conn, gameName)
}

func (s *Server) readLoop(conn *Connection, v2Game string) {
	for conn.IsConnected() {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			conn.markClosed()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.logger.Info("gateway: connection closed", "code", closeErr.Code, "reason", closeErr.Text)
			} else {
				s.logger.Debug("gateway: read error", "error", err)
			}
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			s.logger.Warn("gateway: protocol error, closing", "error", err)
			conn.Disconnect(1002, "protocol error")
			return
		}
		if v2Game != "" {
			msg.Game = v2Game
		}

		if err := s.registry.Handle(msg, conn); err != nil {
			s.logger.Error("gateway: handling message failed", "command", msg.Command, "error", err)
		}
	}
}

// routeVersion parses the request path/query to select the dialect:
// "/" -> v1, "/v2/<game>" or "/v2?game=<game>" -> v2.
func routeVersion(r *http.Request) (version, gameName string) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "v2" || strings.HasPrefix(path, "v2/") {
		gameName = strings.TrimPrefix(path, "v2/")
		if gameName == "v2" {
			gameName = ""
		}
		if gameName == "" {
			gameName = r.URL.Query().Get("game")
		}
		return "2", gameName
	}
	return "1", ""
}
