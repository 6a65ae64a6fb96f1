// ABOUTME: Gateway orchestrator that wires state, storage, sessions, and the router
// ABOUTME: Serves /ws, health, and metrics over TCP or a tailnet and owns shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/compaction"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/media"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/session"
)

// WebSocketPath is where clients, nodes, and channel bridges connect.
const WebSocketPath = "/ws"

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	completer llm.Completer
}

// WithCompleter replaces the OpenAI-compatible completer built from config.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config      *config.Config
	store       session.Store
	blobs       blob.Store
	sessions    *session.Manager
	router      *router.Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the configured session state store.
func initStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverRedis:
		s, err := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis store: %w", err)
		}
		return s, nil
	default:
		s, err := session.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite store: %w", err)
		}
		return s, nil
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		AgentID:          cfg.Agent.ID,
		DefaultModel:     cfg.Agent.Model,
		DefaultReasoning: cfg.Agent.Reasoning,
		Compaction: compaction.Settings{
			Enabled:          cfg.Agent.CompactionEnabled,
			ContextWindow:    cfg.Agent.ContextWindow,
			ReserveTokens:    cfg.Agent.ReserveTokens,
			KeepRecentTokens: cfg.Agent.KeepRecentTokens,
			MemoryEnabled:    cfg.Agent.MemoryEnabled,
		},
		DefaultReset: session.ResetPolicy{
			Mode:        session.ResetMode(cfg.Reset.Mode),
			AtHour:      cfg.Reset.AtHour,
			IdleMinutes: cfg.Reset.IdleMinutes,
		},
		ToolTimeout: cfg.Agent.ToolTimeout,
		LLMTimeout:  cfg.Agent.LLMTimeout,
		IdleEvict:   cfg.Agent.IdleEvict,
		MaxTurns:    cfg.Agent.MaxTurns,
		Location:    cfg.Location(),
	}
}

func routerConfig(cfg *config.Config) router.Config {
	return router.Config{
		ServerID:        cfg.Router.ServerID,
		AgentID:         cfg.Agent.ID,
		ToolTimeout:     cfg.Agent.ToolTimeout,
		TransferTimeout: cfg.Router.TransferTimeout,
		SendBuffer:      cfg.Router.SendBuffer,
		MaxMessageSize:  cfg.Router.MaxMessageSize,
		FrameRate:       cfg.Router.FrameRate,
		FrameBurst:      cfg.Router.FrameBurst,
		DedupeTTL:       cfg.Router.DedupeWindow,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewFSStore(cfg.Storage.Dir)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening blob storage: %w", err)
	}

	completer := o.completer
	if completer == nil {
		completer = llm.NewOpenAICompleter(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			OrgID:   cfg.LLM.Org,
		})
	}

	sessions := session.NewManager(sessionConfig(cfg), session.Deps{
		Store:     s,
		Blobs:     blobs,
		Media:     media.NewCache(blobs, cfg.Media.CacheEntries, cfg.Media.CacheBytes),
		Completer: completer,
		Prompts:   session.StaticPrompt{SystemPrompt: cfg.Agent.SystemPrompt},
		Logger:    logger,
	})

	authenticator := auth.NewAuthenticator(cfg.Auth.SharedSecret)
	if !authenticator.Enabled() {
		logger.Warn("auth.shared_secret is empty, connections are not authenticated")
	}

	rt := router.New(routerConfig(cfg), router.Deps{
		Sessions: sessions,
		Settings: s,
		Blobs:    blobs,
		Auth:     authenticator,
		Logger:   logger,
	})

	gw := &Gateway{
		config:   cfg,
		store:    s,
		blobs:    blobs,
		sessions: sessions,
		router:   rt,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, rt)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		metrics.Init()
		mux.Handle(cfg.Metrics.Path, auth.HTTPMiddleware(authenticator)(metrics.Handler()))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Router returns the connection router.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Start restores sessions and runtime settings without listening.
func (g *Gateway) Start(ctx context.Context) error {
	if err := metrics.InitTracing(g.config.Tracing.Enabled); err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	if err := g.sessions.Start(ctx); err != nil {
		return fmt.Errorf("starting sessions: %w", err)
	}
	if err := g.router.Start(ctx); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}
	return nil
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the relay and blocks until the context is canceled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", WebSocketPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
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

// Shutdown gracefully stops the server and releases resources.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.router.Close()
	errs = appendCloseError(errs, "session shutdown", g.sessions.Stop(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	errs = appendCloseError(errs, "tracing shutdown", metrics.ShutdownTracing(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one node is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	nodes := g.router.NodeCount()
	if nodes == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", nodes)
}
