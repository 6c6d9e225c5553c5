// ABOUTME: Gateway orchestrator that wires store, chat service, capability broker, and relay
// ABOUTME: Serves the HTTP API, relay websocket, and health endpoints with graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/coven-support/internal/auth"
	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/chat"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/relay"
	"github.com/2389/coven-support/internal/store"
)

// Gateway owns every server-side component of the support chat.
type Gateway struct {
	config     *config.Config
	store      store.Store
	chat       *chat.Service
	broker     *capability.Broker
	identities *auth.JWTVerifier
	hub        *relay.Hub
	relay      *relay.Server
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store selected by config, honoring COVEN_SUPPORT_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_SUPPORT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath == config.MemoryDatabase {
		logger.Warn("using in-memory store; conversations are lost on restart")
		return store.NewMemoryStore(), nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	identities, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating identity verifier: %w", err)
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	broker, err := capability.NewBroker(capability.Config{
		Secret:        []byte(cfg.Relay.TokenSecret),
		TTL:           cfg.Relay.TokenTTL,
		Conversations: s,
		Identities:    identities,
		Logger:        logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating capability broker: %w", err)
	}

	hub := relay.NewHub(relay.HubConfig{ReplaySize: cfg.Relay.Replay(), Logger: logger})
	chatSvc := chat.New(s, hub, logger)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		chat:       chatSvc,
		broker:     broker,
		identities: identities,
		hub:        hub,
		relay:      relay.NewServer(hub, broker, chatSvc, logger),
		logger:     logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Visitor routes: the conversation ID is the visitor's only credential
	mux.HandleFunc("POST /conversation", g.handleCreateConversation)
	mux.HandleFunc("GET /conversation", g.handleVisitorHistory)
	mux.HandleFunc("POST /send", g.handleVisitorSend)

	// Token issuance checks agent identity itself when is_admin is set
	mux.HandleFunc("POST /token", g.handleToken)

	requireAgent := auth.RequireAgent(g.identities, logger)
	mux.Handle("GET /admin/messages/{id}", requireAgent(http.HandlerFunc(g.handleAdminHistory)))
	mux.Handle("POST /admin/send", requireAgent(http.HandlerFunc(g.handleAdminSend)))
	mux.Handle("POST /admin/close", requireAgent(http.HandlerFunc(g.handleAdminClose)))
	mux.Handle("GET /admin/conversations", requireAgent(http.HandlerFunc(g.handleListConversations)))

	mux.Handle("GET /relay", g.relay)

	return mux
}

// Handler returns the gateway's HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// IssueIdentityToken mints an agent identity token with the configured secret.
func (g *Gateway) IssueIdentityToken(agentID, name string, ttl time.Duration) (string, error) {
	return g.identities.Generate(agentID, name, ttl)
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is canceled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, ends relay sessions, and
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not covered by http.Server.Shutdown
	g.relay.Close()
	g.hub.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	open, err := g.store.ListOpenConversations(ctx, 0)
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d open conversations)", len(open))
}
