package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/salesdesk/internal/config"
	"github.com/soyeahso/salesdesk/internal/hooks"
	"github.com/soyeahso/salesdesk/internal/inbox"
	"github.com/soyeahso/salesdesk/internal/logging"
	"github.com/soyeahso/salesdesk/internal/version"
)

var (
	ErrClientClosed = errors.New("client connection closed")
)

const (
	// requestTimeout bounds one RPC call, including a send's delivery and
	// persistence.
	requestTimeout = 60 * time.Second
	maxFrameBytes  = 4 << 20
	pingInterval   = 30 * time.Second
)

// Server is the salesdesk gateway: HTTP ingest plus one inbox session per
// WebSocket client.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	mu        sync.RWMutex
	configRaw map[string]any

	// Template for per-client sessions. Sessions are only created when a
	// store is configured.
	inbox inbox.Options

	// Ingest target for POST /api/messages/inbound (optional).
	ingest Ingestor

	// Periodic resync of connected sessions (optional).
	resyncer *inbox.Resyncer

	// Server-wide hooks; each session emits on a child of it.
	hooks *hooks.Manager

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithConfigRaw sets the raw config map for RPC access.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) {
		s.configRaw = raw
	}
}

// WithHooks sets the server-wide hook manager.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithInbox sets the options every client session is built from. AgentID,
// AgentName and Hooks are filled in per client.
func WithInbox(opts inbox.Options) ServerOption {
	return func(s *Server) {
		s.inbox = opts
	}
}

// WithIngest enables the inbound message endpoint.
func WithIngest(in Ingestor) ServerOption {
	return func(s *Server) {
		s.ingest = in
	}
}

// WithResyncer registers client sessions with r while they are connected.
func WithResyncer(r *inbox.Resyncer) ServerOption {
	return func(s *Server) {
		s.resyncer = r
	}
}

// New creates a new gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	allowedOrigins := cfg.Gateway.AllowedOrigins
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		version:     version.Resolve().Version,
		configRaw:   make(map[string]any),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(allowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hooks.NewManager(log)
	}
	if s.inbox.Log == nil {
		s.inbox.Log = log
	}

	s.registerRPCHandlers()
	return s
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the sorted list of registered RPC method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Events lists the events pushed to clients: the challenge first, the
// rest sorted.
func Events() []string {
	rest := []string{EventGatewayShutdown}
	for _, name := range inboxEvents {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append([]string{EventChallenge}, rest...)
}

var bindHosts = map[string]string{
	"loopback": "127.0.0.1",
	"lan":      "0.0.0.0",
	"auto":     "0.0.0.0",
	"custom":   "0.0.0.0",
}

// resolveBindAddr turns gateway.bind into a listen address. Unknown modes
// bind loopback only.
func resolveBindAddr(cfg config.GatewayConfig) string {
	host, ok := bindHosts[cfg.Bind]
	if !ok {
		host = bindHosts["loopback"]
	}
	if cfg.Bind == "custom" && cfg.CustomBindHost != "" {
		host = cfg.CustomBindHost
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// Handler returns the gateway's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)
}

// Start serves until ctx is cancelled. Connected agents get a
// gateway.shutdown event before their sockets close.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Bool("ingest", s.ingest != nil && s.cfg.Gateway.IngestToken != "").
		Msg("gateway server starting")
	s.hooks.Emit(ctx, hooks.Payload{
		Event: hooks.EventGatewayStart,
		Data:  map[string]any{"addr": ln.Addr().String()},
	})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.shutdown()
	}()

	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.log.Info().Int("clients", s.clients.Count()).Msg("shutting down gateway server")
	s.hooks.Emit(context.Background(), hooks.Payload{Event: hooks.EventGatewayStop})
	s.clients.Broadcast(EventGatewayShutdown, map[string]string{"reason": "shutdown"}, s.eventSeq.Add(1))
	s.clients.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	client, orgID, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	done := make(chan struct{})
	go client.keepalive(done, pingInterval)
	defer func() {
		close(done)
		if s.resyncer != nil {
			s.resyncer.Remove(client.ConnID)
		}
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	if client.Session != nil && orgID != "" {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		if err := client.Session.Start(ctx, orgID); err != nil {
			s.log.Warn().Err(err).Str("connId", client.ConnID).Str("org", orgID).Msg("initial inbox load failed")
		}
		cancel()
	}

	s.readLoop(client)
}

// openSession gives client its inbox session, wired to push events.
func (s *Server) openSession(client *Client) {
	if s.inbox.Store == nil {
		return
	}
	hm := s.hooks.Child()
	client.forwardEvents(hm)

	opts := s.inbox
	opts.AgentID = client.Info.ID
	if opts.AgentID == "" {
		opts.AgentID = client.ConnID
	}
	opts.AgentName = client.Info.DisplayName
	if opts.AgentName == "" {
		opts.AgentName = opts.AgentID
	}
	opts.Hooks = hm
	client.Session = inbox.NewSession(opts)

	if s.resyncer != nil {
		s.resyncer.Add(client.ConnID, client.Session)
	}
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(client, frame)
	}
}

// dispatch routes a request frame to its handler. Handlers run concurrently
// so a slow send does not hold up an open or a read; the session serializes
// what needs serializing.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	client.inflight.Add(1)
	go func() {
		defer client.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		handler(&RequestContext{
			Client: client,
			Frame:  frame,
			Server: s,
			Ctx:    ctx,
		})
	}()
}
