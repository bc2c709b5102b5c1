// Package gateway runs the HTTP front door of the process: the WebSocket
// endpoint for webchat and terminal clients, the health check, and an
// optional tailnet listener sharing the same mux.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/webchat"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/version"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// defaultMaxMessageChars bounds a chat frame's content when the config does
// not set gateway.max_message_chars.
const defaultMaxMessageChars = 32000

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg     *config.Config
	events  bus.EventPublisher
	webchat *webchat.Channel // nil when the webchat channel is disabled
	limiter *RateLimiter
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	started    time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server. wc may be nil when the webchat
// channel is disabled; chat frames are then rejected.
func NewServer(cfg *config.Config, events bus.EventPublisher, wc *webchat.Channel) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		webchat: wc,
		limiter: NewRateLimiter(cfg.Gateway.RateLimitRPM),
		log:     slog.Default().With("component", "gateway"),
		clients: make(map[string]*Client),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RateLimiter returns the server's rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

// checkOrigin validates the WebSocket origin against the allowed origins
// whitelist. No configured origins allows all; an empty Origin header
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("websocket origin rejected", "origin", origin)
	return false
}

// authorize checks the gateway token. An empty configured token disables
// auth. Browsers cannot set headers on WebSocket dials, so the token is
// accepted from either the Authorization header or the token query parameter.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}

	presented := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
		return true
	}
	s.log.Warn("websocket auth rejected", "remote", r.RemoteAddr)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start if the mux is needed for additional listeners
// (the tailnet listener serves the same routes).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start listens until ctx is canceled. Blocks.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.log.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		// Shutdown leaves hijacked connections alone; drop them ourselves.
		s.closeAllClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and services the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run()
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleFrame dispatches one client frame.
func (s *Server) handleFrame(c *Client, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypePing:
		c.push(protocol.ServerFrame{Type: protocol.TypePong, ID: frame.ID})

	case protocol.TypeChat:
		s.handleChat(c, frame)

	case protocol.TypeApprove, protocol.TypeDeny:
		var p protocol.ApprovalPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ApprovalID == "" {
			c.push(protocol.NewErrorFrame(frame.ID, "approval frame needs an approval_id"))
			return
		}
		verb := "/approve"
		if frame.Type == protocol.TypeDeny {
			verb = "/deny"
		}
		// Approvals resolve through the command registry like any chat
		// message, keeping one code path for all channels.
		s.publishChat(c, frame.ID, verb+" "+p.ApprovalID, nil)

	case protocol.TypeStatus:
		c.push(protocol.ServerFrame{
			Type: protocol.TypeStatus,
			ID:   frame.ID,
			Payload: protocol.StatusPayload{
				Protocol:  protocol.ProtocolVersion,
				Version:   version.Version,
				UptimeSec: int64(time.Since(s.started).Seconds()),
				Clients:   s.ClientCount(),
			},
		})

	default:
		c.push(protocol.NewErrorFrame(frame.ID, "unknown frame type %q", frame.Type))
	}
}

func (s *Server) handleChat(c *Client, frame protocol.ClientFrame) {
	if s.limiter.Enabled() && !s.limiter.Allow(c.id) {
		c.push(protocol.NewErrorFrame(frame.ID, "rate limit exceeded, retry in a minute"))
		return
	}

	var p protocol.ChatPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.push(protocol.NewErrorFrame(frame.ID, "invalid chat payload: %v", err))
		return
	}

	maxChars := s.cfg.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	if n := len([]rune(p.Content)); n > maxChars {
		c.push(protocol.NewErrorFrame(frame.ID, "message too long (%d > %d chars)", n, maxChars))
		return
	}

	s.publishChat(c, frame.ID, p.Content, p.Media)
}

// publishChat forwards content to the webchat channel under the client's ID.
func (s *Server) publishChat(c *Client, frameID, content string, media []string) {
	if s.webchat == nil || !s.webchat.IsRunning() {
		c.push(protocol.NewErrorFrame(frameID, "webchat channel is disabled"))
		return
	}
	var metadata map[string]string
	if frameID != "" {
		metadata = map[string]string{"message_id": frameID}
	}
	s.webchat.HandleClientMessage(c.id, content, media, metadata)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.webchat != nil {
		s.webchat.Attach(c.id, c)
	}
	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(event.Name, event.Payload)
		})
	}

	s.log.Info("client connected", "client_id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	if s.webchat != nil {
		s.webchat.Detach(c.id)
	}

	s.log.Info("client disconnected", "client_id", c.id)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
