// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, reading client frames on a goroutine per
// connection, and writing server frames through a bounded per-connection
// queue.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/ban"
	"github.com/festival/regionchat/internal/chat"
	"github.com/festival/regionchat/internal/metrics"
	"github.com/festival/regionchat/internal/protocol"
	"github.com/festival/regionchat/internal/registry"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	SendQueueSize   int           // outbound frames buffered per connection
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	MaxFrameBytes   int64         // largest accepted client frame
	ShutdownTimeout time.Duration
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  100000,
		SendQueueSize:   64,
		WriteTimeout:    10 * time.Second,
		MaxFrameBytes:   16 << 10,
		ShutdownTimeout: 5 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the credential presented on upgrade.
type Authenticator interface {
	ResolveUser(ctx context.Context, credential string) (registry.Identity, error)
}

// ConnectGuard throttles connection attempts per client address. A refusal
// may carry how long the client should wait.
type ConnectGuard interface {
	AllowConnect(ctx context.Context, addr string) (bool, time.Duration)
}

// SuspensionChecker reports whether a user is currently suspended.
type SuspensionChecker interface {
	Check(ctx context.Context, userID int64) (ban.Suspension, bool, error)
}

// SessionRefresher keeps mirrored session state alive for live connections.
type SessionRefresher interface {
	RefreshTTL(ctx context.Context, connID string) error
}

// ServerDeps are the collaborators of a Server. Only Chat and Auth are
// required.
type ServerDeps struct {
	Chat      *chat.Service
	Auth      Authenticator
	Limiter   ConnectGuard
	Bans      SuspensionChecker
	Refresher SessionRefresher
	Admin     http.Handler // mounted under /admin/ and /api/
	Logger    *zap.Logger
}

// Server accepts chat connections over WebSocket and feeds their frames to
// the chat service.
type Server struct {
	config    ServerConfig
	conns     *ConnectionManager
	chat      *chat.Service
	auth      Authenticator
	limiter   ConnectGuard
	bans      SuspensionChecker
	refresher SessionRefresher
	admin     http.Handler
	log       *zap.Logger

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time
}

// NewServer creates a Server. Call Start to listen, or mount Handler on an
// existing HTTP server.
func NewServer(config ServerConfig, deps ServerDeps) *Server {
	def := DefaultServerConfig()
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = def.SendQueueSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = def.MaxFrameBytes
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		chat:      deps.Chat,
		auth:      deps.Auth,
		limiter:   deps.Limiter,
		bans:      deps.Bans,
		refresher: deps.Refresher,
		admin:     deps.Admin,
		log:       logger.Named("ws"),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP routes served by the chat server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	if s.admin != nil {
		mux.Handle("/admin/", s.admin)
		mux.Handle("/api/", s.admin)
	}
	return mux
}

// Start configures the HTTP server, starts the heartbeat monitor and blocks
// accepting connections until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go heartbeat{srv: s, cfg: s.config.Heartbeat}.run(s.ctx)

	s.log.Info("server listening",
		zap.String("addr", s.config.ListenAddr), zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, applies admission limits and
// upgrades it to a WebSocket connection using the gobwas/ws zero-copy
// upgrader. Rejections happen before the upgrade with a plain HTTP status.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, retry := s.limiter.AllowConnect(r.Context(), ip); !ok {
			metrics.ConnectRejected.WithLabelValues("rate_limited").Inc()
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, err := s.auth.ResolveUser(r.Context(), Credential(r))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnauthenticated {
			metrics.ConnectRejected.WithLabelValues("unauthenticated").Inc()
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		metrics.ConnectRejected.WithLabelValues("auth_unavailable").Inc()
		s.log.Error("resolve user", zap.String("remote_ip", ip), zap.Error(err))
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	if s.bans != nil {
		sus, banned, err := s.bans.Check(r.Context(), identity.UserID)
		switch {
		case err != nil:
			s.log.Warn("suspension check failed, allowing", zap.Int64("user_id", identity.UserID), zap.Error(err))
		case banned:
			metrics.ConnectRejected.WithLabelValues("suspended").Inc()
			msg := "account suspended"
			if sus.Remaining > 0 {
				msg = fmt.Sprintf("account suspended for %s", sus.Remaining.Round(time.Second))
			}
			http.Error(w, msg, http.StatusForbidden)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote_ip", ip), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), conn, ip, s.config.SendQueueSize, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.chat.Connect(s.ctx, c, identity)

	go c.writeLoop()
	go s.readLoop(c)

	s.log.Info("new connection",
		zap.String("conn_id", c.ID()), zap.Int64("user_id", identity.UserID),
		zap.String("remote_ip", ip), zap.Int("total", s.conns.Count()))
}

// Credential extracts the connection credential from the "token" query
// parameter or a bearer Authorization header.
func Credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readLoop reads frames until the connection fails or closes, then
// unregisters it. Frames of one connection are handled sequentially.
func (s *Server) readLoop(c *Connection) {
	defer s.removeConnection(c)

	idle := s.config.Heartbeat.Deadline()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.touch()

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
				return
			case ws.OpPing:
				_ = c.WriteControl(ws.NewPongFrame(payload))
			}
			continue
		}

		if header.Length > s.config.MaxFrameBytes {
			s.log.Info("frame too large",
				zap.String("conn_id", c.ID()), zap.String("remote_ip", c.RemoteIP()), zap.Int64("bytes", header.Length))
			_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too large")))
			return
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if header.OpCode != ws.OpText {
			_ = c.Send(protocol.ErrorFrame("only text frames are supported"))
			continue
		}
		if len(data) == 0 {
			continue
		}

		s.chat.HandleFrame(s.ctx, c, data)
	}
}

// removeConnection unregisters a connection exactly once and closes it. The
// chat service announces the new presence count to the vacated region.
func (s *Server) removeConnection(c *Connection) {
	_ = c.Close()
	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	s.chat.Disconnect(c.ID())

	s.log.Info("connection closed",
		zap.String("conn_id", c.ID()),
		zap.String("remote_ip", c.RemoteIP()),
		zap.Duration("age", time.Since(c.createdAt).Round(time.Second)),
		zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, sends a close frame to every client and
// closes all connections. Readers unregister their connections as they exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	var err error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
		if err = s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}

	goingAway := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down"))
	for _, c := range s.conns.All() {
		_ = c.WriteControl(goingAway)
		_ = c.Close()
	}
	s.cancel()

	s.log.Info("server stopped")
	return err
}
