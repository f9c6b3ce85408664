package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/dispatch"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/executor"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/audit"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/auth"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/callkey"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/health"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/inflight"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/limiter"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/provider"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/session"
)

// auditStreamMaxLen caps the Redis audit stream (approximate trim).
const auditStreamMaxLen = 10000

// Server is the top-level daemon that owns all subsystems.
type Server struct {
	config     *Config
	httpServer *http.Server
	handler    http.Handler
	wsHandler  *WSHandler
	dispatcher *dispatch.Dispatcher
	sweeper    *Sweeper
	reporter   *health.Reporter
	collector  *health.Collector
	recorder   *audit.Recorder
	pgSink     *audit.PostgresSink
	inflight   *inflight.Registry
	cache      *resultcache.Cache
	limiter    *limiter.Pool
	sessions   *session.Registry

	redisClient *redis.Client
	logger      *slog.Logger
}

// Options carries the collaborators NewServer does not build itself.
type Options struct {
	Catalog   *catalog.Catalog
	Providers *provider.Set
	Version   string

	// Executor replaces the provider-backed executor, for tests.
	Executor dispatch.ToolExecutor
}

// NewServer creates a fully wired daemon from configuration.
//
// Architecture:
//   - One WSHandler connection per MCP client; each call_tool runs in its
//     own goroutine through the Dispatcher
//   - The Dispatcher coalesces identical calls via the inflight registry
//     and gates executions through the three-tier limiter
//   - The Sweeper expires stale inflight records, old cache entries and
//     idle sessions
//   - The health Reporter and the audit Recorder are side channels to
//     Redis, a file, Prometheus and optionally Postgres
func NewServer(cfg *Config, opts Options, logger *slog.Logger) (*Server, error) {
	if opts.Catalog == nil {
		return nil, errors.New("daemon: catalog is required")
	}
	if err := cfg.Validate(opts.Catalog); err != nil {
		return nil, err
	}

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing EXAI_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// --- Auth ---
	verifier := auth.NewVerifier(cfg.AuthTokenHash, 5*time.Minute)
	if !verifier.Configured() {
		logger.Warn("EXAI_AUTH_TOKEN_HASH not set, accepting every client (run exai-daemon setup to generate a token)")
	}

	// --- Concurrency and dedup state ---
	pool := limiter.New(limiter.Config{
		Global:         cfg.GlobalConcurrency,
		PerProvider:    cfg.ProviderConcurrency,
		ProviderLimits: cfg.ProviderLimits,
		PerSession:     cfg.SessionConcurrency,
		AcquireTimeout: cfg.AcquireTimeout,
	})
	// The sweeper owns cache expiry, so no background goroutine here.
	cache := resultcache.New(cfg.ResultCacheTTL, cfg.ResultCacheSize, resultcache.WithSweepInterval(0))
	registry := inflight.New(
		inflight.WithResultStore(cache),
		inflight.WithTTL(cfg.InflightTTL),
		inflight.WithRetryAfter(cfg.RetryAfter),
		inflight.WithLogger(logger),
	)
	sessions := session.NewRegistry(pool, logger.With("component", "sessions"))

	// --- Audit ---
	sinks := []audit.Sink{audit.NewRedisStreamSink(redisClient, cfg.AuditStream, auditStreamMaxLen)}
	var pgSink *audit.PostgresSink
	if cfg.AuditDatabaseURL != "" {
		pgSink, err = audit.OpenPostgresSink(ctx, cfg.AuditDatabaseURL, logger)
		if err != nil {
			redisClient.Close()
			return nil, err
		}
		sinks = append(sinks, pgSink)
	}
	recorder := audit.NewRecorder(logger, 1024, sinks...)

	// --- Health ---
	collector := &health.Collector{
		Version:  opts.Version,
		Started:  time.Now(),
		Limiter:  pool,
		Inflight: registry,
		Sessions: sessions,
		Cache:    cache,
		Audit:    recorder,
	}
	promReg := prometheus.NewRegistry()
	promSink, err := health.NewPromSink(promReg)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("registering health gauges: %w", err)
	}
	healthSinks := []health.Sink{
		health.NewRedisSink(redisClient, "exai:", 3*cfg.HealthInterval),
		promSink,
	}
	if cfg.HealthFile != "" {
		healthSinks = append(healthSinks, &health.FileSink{Path: cfg.HealthFile})
	}
	reporter := health.NewReporter(collector.Snapshot, cfg.HealthInterval, logger, healthSinks...)

	// --- Dispatch ---
	exec := opts.Executor
	if exec == nil {
		providers := opts.Providers
		if providers == nil {
			providers = provider.FromCatalog(opts.Catalog, nil)
		}
		exec = executor.New(executor.Config{
			Version:          opts.Version,
			ProgressInterval: cfg.ProgressInterval,
		}, opts.Catalog, providers, collector.Snapshot, logger)
	}
	var keyOpts []callkey.Option
	if len(opts.Catalog.IgnoredFields) > 0 {
		keyOpts = append(keyOpts, callkey.WithIgnoredFields(opts.Catalog.IgnoredFields...))
	}
	dispatcher := dispatch.New(dispatch.Config{
		ProviderTimeoutMargin: cfg.ProviderTimeoutMargin,
	}, dispatch.Deps{
		Catalog:  opts.Catalog,
		Keys:     callkey.New(opts.Catalog.Normalize, keyOpts...),
		Cache:    cache,
		Inflight: registry,
		Limiter:  pool,
		Executor: exec,
		Audit:    recorder,
		Logger:   logger,
	})

	// --- Handlers ---
	wsHandler := NewWSHandler(cfg, verifier, sessions, dispatcher, opts.Version,
		logger.With("component", "ws"))

	sweeper := NewSweeper(registry, cache, sessions, wsHandler,
		cfg.IdleTimeout, cfg.SweepInterval, logger.With("component", "sweeper"))

	// --- HTTP mux ---
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collector.Snapshot())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, promReg},
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint not found", http.StatusNotFound)
	})

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler:     mux,
		wsHandler:   wsHandler,
		dispatcher:  dispatcher,
		sweeper:     sweeper,
		reporter:    reporter,
		collector:   collector,
		recorder:    recorder,
		pgSink:      pgSink,
		inflight:    registry,
		cache:       cache,
		limiter:     pool,
		sessions:    sessions,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler { return s.handler }

// Snapshot returns the current health snapshot.
func (s *Server) Snapshot() health.Snapshot { return s.collector.Snapshot() }

// RunBackground starts the sweeper, the health reporter and the audit
// recorder. They stop when ctx is cancelled.
func (s *Server) RunBackground(ctx context.Context) {
	s.recorder.Start()
	go s.sweeper.Run(ctx)
	go s.reporter.Run(ctx)
}

// Start begins serving HTTP connections and the background loops.
// It blocks until the context is cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	s.RunBackground(bgCtx)

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr(), err)
	}
	s.logger.Info("exai-daemon starting",
		"addr", ln.Addr().String(),
		"redis", s.config.RedisURL,
		"embedded_redis", s.config.EmbeddedRedis,
		"global_concurrency", s.config.GlobalConcurrency,
		"session_concurrency", s.config.SessionConcurrency,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources. Open
// connections are closed first so every outstanding request gets an answer,
// then anything still in flight is resolved with a shutdown error.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}
	// Hijacked WebSocket connections are not covered by http.Server.Shutdown.
	if err := s.wsHandler.CloseAll(shutdownCtx, "daemon shutting down"); err != nil {
		s.logger.Warn("connections still open at shutdown", "error", err)
	}
	s.inflight.Shutdown()
	s.recorder.Stop(shutdownCtx)
	s.cache.Close()
	if s.pgSink != nil {
		s.pgSink.Close()
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
