package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/config"
	"github.com/jackzampolin/codex/internal/server/endpoints"
	"github.com/jackzampolin/codex/internal/svcctx"
)

// Server is the main codex HTTP server. It opens the database and Redis on
// start, optionally runs batch workers and the sweeper in-process, and
// closes everything on shutdown.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	cfg        *config.Config
	configMgr  *config.Manager
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Config is the loaded configuration. When nil, ConfigManager.Get() is
	// used, then DefaultConfig.
	Config *config.Config
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	appCfg := cfg.Config
	if appCfg == nil && cfg.ConfigManager != nil {
		appCfg = cfg.ConfigManager.Get()
	}
	if appCfg == nil {
		appCfg = config.DefaultConfig()
	}
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = appCfg.Server.Host
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = appCfg.Server.Port
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       appCfg,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	s.endpointRegistry.Register(endpoints.All()...)
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: progress streams stay open for the life of a job.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Start opens the backing services and serves HTTP. It blocks until the
// context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("connecting to database and redis", "driver", s.cfg.Database.Driver, "redis", s.cfg.Redis.Addr)
	services, err := svcctx.Open(ctx, s.cfg, s.logger)
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open services: %w", err)
	}
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()

	if s.configMgr != nil {
		s.configMgr.OnChange(func(c *config.Config) {
			if err := services.Reload(context.Background(), c); err != nil {
				s.logger.Error("failed to reload tiers", "error", err)
			}
		})
	}

	// Background work stops with bgCtx; in-flight batches settle before
	// the connections close.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var bg sync.WaitGroup
	if n := s.cfg.Server.EmbeddedWorkers; n > 0 {
		workerCfg := *s.cfg
		workerCfg.Worker.Workers = n
		for _, r := range services.Runners(&workerCfg) {
			bg.Add(1)
			go func() {
				defer bg.Done()
				r.Run(bgCtx)
			}()
		}
	}
	if s.cfg.Server.EmbeddedSweeper {
		sw := services.Sweeper(s.cfg)
		if err := sw.Start(bgCtx); err != nil {
			stopBackground()
			bg.Wait()
			return s.shutdown(fmt.Errorf("failed to start sweeper: %w", err))
		}
		defer sw.Stop()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.stopHTTP()
	stopBackground()
	bg.Wait()
	return s.shutdown(serveErr)
}

func (s *Server) stopHTTP() {
	timeout := s.cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
}

// shutdown closes the services and returns cause.
func (s *Server) shutdown(cause error) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	services := s.services
	s.services = nil
	s.mu.Unlock()

	if services != nil {
		if err := services.Close(); err != nil {
			s.logger.Error("service close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return cause
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Services returns the wired services.
// Returns nil if the server hasn't started yet.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.Services(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		} else {
			ctx = svcctx.WithServices(ctx, &svcctx.Services{Logger: s.logger})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until the database and Redis are up.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
