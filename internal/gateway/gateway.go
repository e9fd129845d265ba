// ABOUTME: Gateway composition root that wires the store, agent registry and HTTP API
// ABOUTME: Owns listener setup (TCP or tailscale), the idle reaper and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/slideforge/internal/agent"
	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/backend/anthropic"
	"github.com/2389/slideforge/internal/backend/claudecli"
	"github.com/2389/slideforge/internal/backend/echo"
	"github.com/2389/slideforge/internal/config"
	"github.com/2389/slideforge/internal/dedupe"
	"github.com/2389/slideforge/internal/store"
)

// dedupeMaxKeys caps remembered idempotency keys.
const dedupeMaxKeys = 100_000

// Gateway serves the session API and owns every live agent session.
type Gateway struct {
	config      *config.Config
	store       store.Store
	agents      *agent.Service
	reaper      *agent.Reaper
	dedupe      *dedupe.Cache
	limiter     *ownerLimiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// initStore opens the SQLite database named in config. SLIDEFORGE_DB_PATH
// overrides it.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SLIDEFORGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newRuntime builds the agent.Runtime selected by agent.backend.
func newRuntime(cfg *config.Config, logger *slog.Logger) (agent.Runtime, error) {
	switch cfg.Agent.Backend {
	case config.BackendAnthropic:
		opts := anthropic.Options{
			Model:          cfg.Agent.Model,
			MaxTokens:      cfg.Agent.MaxTokens,
			Logger:         logger,
			PermissionMode: cfg.Agent.PermissionMode,
		}
		if cfg.Anthropic.UseBedrock {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return anthropic.NewBedrock(ctx, cfg.Anthropic.AWSRegion, opts)
		}
		return anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, opts)
	case config.BackendClaudeCLI:
		return claudecli.New(claudecli.Options{
			Binary:         cfg.ClaudeCLI.Path,
			WorkDir:        cfg.ClaudeCLI.WorkDir,
			Model:          cfg.Agent.Model,
			PermissionMode: cfg.Agent.PermissionMode,
			Logger:         logger,
		}), nil
	case config.BackendEcho:
		return &echo.Runtime{Delay: 20 * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Agent.Backend)
	}
}

// New creates a Gateway backed by the configured database and runtime.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating %s runtime: %w", cfg.Agent.Backend, err)
	}

	gw, err := NewWithDeps(cfg, s, rt, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithDeps assembles a Gateway around an existing store and runtime.
func NewWithDeps(cfg *config.Config, s store.Store, rt agent.Runtime, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// A nil interface selects dev mode; never store a typed nil here.
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set, trusting the X-Owner-ID header (dev mode)")
	}

	agents := agent.NewService(rt, agent.Config{
		AllowedTools: cfg.Agent.AllowedTools,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTurns:     cfg.Agent.MaxTurns,
	}, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		agents:    agents,
		reaper:    agent.NewReaper(agents, cfg.Agent.SessionTimeout, cfg.Agent.ReapInterval, logger),
		dedupe:    dedupe.New(cfg.Agent.IdempotencyTTL, dedupeMaxKeys),
		limiter:   newOwnerLimiter(cfg.Agent.ChatRatePerMinute, cfg.Agent.ChatBurst),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/agent/sessions", gw.handleListSessions)
	api.HandleFunc("POST /api/agent/sessions", gw.handleCreateSession)
	api.HandleFunc("GET /api/agent/sessions/{id}", gw.handleGetSession)
	api.HandleFunc("PATCH /api/agent/sessions/{id}", gw.handleUpdateSession)
	api.HandleFunc("DELETE /api/agent/sessions/{id}", gw.handleDeleteSession)
	api.HandleFunc("POST /api/agent/sessions/{id}/close", gw.handleCloseSession)
	api.HandleFunc("PUT /api/agent/sessions/{id}/outline", gw.handleSaveOutline)
	api.HandleFunc("PUT /api/agent/sessions/{id}/slides", gw.handleSaveSlides)
	api.HandleFunc("GET /api/agent/sessions/{id}/transcript", gw.handleExportTranscript)
	api.HandleFunc("POST /api/agent/chat", gw.handleChat)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ending live sessions lets open streams finish with an error record
	// instead of holding Shutdown until its deadline.
	gw.httpServer.RegisterOnShutdown(agents.Cleanup)

	return gw, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Agents returns the live session registry.
func (g *Gateway) Agents() *agent.Service {
	return g.agents
}

// setupListener returns the HTTP listener, on the tailnet when enabled.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "backend", g.config.Agent.Backend)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go g.reaper.Run(reaperCtx)

	errCh := make(chan error, 1)
	go func() {
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "slideforge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every live agent session and
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "live_sessions", g.agents.Len())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.agents.Cleanup()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, up %s)", g.agents.Len(), time.Since(g.startedAt).Round(time.Second))
}
