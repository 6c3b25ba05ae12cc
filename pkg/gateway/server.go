package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/brainless/nocodo-agent/internal/observability"
	"github.com/brainless/nocodo-agent/pkg/commandqueue"
	"github.com/brainless/nocodo-agent/pkg/session"
)

const (
	// DefaultPingInterval is how often the server pings idle clients.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is how long after a ping a client may stay silent
	// before it is reaped.
	DefaultPongWait = 10 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	shutdownGrace  = 10 * time.Second
)

// SessionRunner is what the API needs from the agent runtime.
type SessionRunner interface {
	StartSession(ctx context.Context, kind, objective, prompt string) (*session.Session, error)
	SendInput(ctx context.Context, sessionID, content string) error
	CancelSession(ctx context.Context, sessionID string) error
}

// Server exposes the runtime over REST and websocket.
type Server struct {
	port          int
	secret        string
	pingInterval  time.Duration
	pongWait      time.Duration
	msgsPerMinute int

	store  *session.Store
	runner SessionRunner
	queue  *commandqueue.CommandQueue
	hub    *Hub
	logger zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Port         int
	SharedSecret string

	Store  *session.Store
	Runner SessionRunner

	// Queue enables request_id idempotency on session creation. Optional.
	Queue *commandqueue.CommandQueue

	// Hub carries runtime events to websocket clients. The same hub is
	// handed to the agent runner as its broadcaster.
	Hub *Hub

	Logger zerolog.Logger

	PingInterval      time.Duration
	PongWait          time.Duration
	MessagesPerMinute int
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("session runner is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}

	return &Server{
		port:          cfg.Port,
		secret:        cfg.SharedSecret,
		pingInterval:  cfg.PingInterval,
		pongWait:      cfg.PongWait,
		msgsPerMinute: cfg.MessagesPerMinute,
		store:         cfg.Store,
		runner:        cfg.Runner,
		queue:         cfg.Queue,
		hub:           cfg.Hub,
		logger:        cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The daemon binds loopback; the secret gates everything else.
				return true
			},
		},
	}, nil
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(api chi.Router) {
		api.Use(requireSecret(s.secret))
		api.Use(s.trackInFlight)

		api.Post("/sessions", s.handleCreateSession)
		api.Get("/sessions", s.handleListSessions)
		api.Get("/sessions/{id}", s.handleGetSession)
		api.Get("/sessions/{id}/outputs", s.handleGetOutputs)
		api.Post("/sessions/{id}/input", s.handleSendInput)
		api.Post("/sessions/{id}/cancel", s.handleCancelSession)
	})

	return r
}

// Start begins serving. It returns immediately; errors after startup
// are logged.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains the server: no new work is accepted, connected clients
// get a farewell event, and in-flight requests get a grace period.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.hub.BroadcastSystem(TypeServerShutdown, map[string]string{
		"message": "server is shutting down",
	})
	// Give the write pumps a beat to flush the farewell.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Shutdown grace period elapsed, forcing close")
	}

	s.hub.closeAll()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// trackInFlight refuses new API work during shutdown and counts the
// rest so Stop can drain them.
func (s *Server) trackInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		down := s.isShuttingDown
		s.shutdownMu.RUnlock()
		if down {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server is shutting down"})
			return
		}

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection, greets the client with its
// id, and starts the read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	down := s.isShuttingDown
	s.shutdownMu.RUnlock()
	if down {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !authorized(r, s.secret) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	client := &Client{
		ID:          clientID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		limiter:     newMessageLimiter(s.msgsPerMinute),
		connectedAt: time.Now(),
	}
	s.hub.register(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	greeting, err := json.Marshal(Envelope{Type: TypeConnected, Payload: ConnectedPayload{ClientID: clientID}})
	if err == nil {
		client.send <- greeting
	}

	go s.writePump(client)
	go s.readPump(client)
}

// writePump owns all writes on the connection: queued events plus the
// heartbeat ping.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	ping, err := json.Marshal(Envelope{Type: TypePing})
	if err != nil {
		return
	}

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection dies or goes
// silent past the pong deadline.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.unregister(client.ID)
		client.conn.Close()
		s.logger.Info().
			Str("client_id", client.ID).
			Dur("connected", time.Since(client.connectedAt)).
			Msg("Client disconnected")
	}()

	client.conn.SetReadLimit(maxMessageSize)
	deadline := s.pingInterval + s.pongWait
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Websocket read error")
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(deadline))

		if !client.limiter.Allow() {
			s.sendError(client, "rate limit exceeded")
			continue
		}
		s.handleClientMessage(client, data)
	}
}

func (s *Server) handleClientMessage(client *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(client, "malformed message")
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p SubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.sendError(client, "malformed payload")
				return
			}
		}
		if p.SessionID == "" {
			s.sendError(client, "session_id is required")
			return
		}
		if msg.Type == TypeSubscribe {
			s.hub.Subscribe(client.ID, p.SessionID)
		} else {
			s.hub.Unsubscribe(client.ID, p.SessionID)
		}
	case TypePong:
		// Receipt alone reset the read deadline.
	default:
		s.sendError(client, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// sendError queues a protocol error for the client, dropping it if the
// client is backed up.
func (s *Server) sendError(client *Client, message string) {
	data, err := json.Marshal(Envelope{Type: TypeError, Payload: ErrorPayload{Message: message}})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
