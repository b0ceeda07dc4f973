package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portkeep/portkeep/internal/daemon"
	"github.com/portkeep/portkeep/internal/events"
	"github.com/portkeep/portkeep/internal/gitops"
	"github.com/portkeep/portkeep/internal/logger"
	"github.com/portkeep/portkeep/internal/rules"
)

// Server provides the HTTP status and health surface
type Server struct {
	daemon      *daemon.Daemon
	store       *rules.Store
	poller      *gitops.Poller
	syncService *gitops.SyncService
	broadcaster *events.Broadcaster
	reloadFunc  func() error
	httpServer  *http.Server
	port        int
}

// Config holds API server configuration
type Config struct {
	Port int
}

// New creates a new API server. poller, syncService, and broadcaster may be
// nil; their endpoints then answer accordingly.
func New(cfg Config, d *daemon.Daemon, store *rules.Store, poller *gitops.Poller,
	syncService *gitops.SyncService, broadcaster *events.Broadcaster, reloadFunc func() error) *Server {
	return &Server{
		daemon:      d,
		store:       store,
		poller:      poller,
		syncService: syncService,
		broadcaster: broadcaster,
		reloadFunc:  reloadFunc,
		port:        cfg.Port,
	}
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/rules", s.handleRules)
	mux.HandleFunc("/api/v1/reload", s.handleReload)
	mux.HandleFunc("/api/v1/git/sync", s.handleGitSync)
	mux.HandleFunc("/api/v1/git/logs", s.handleGitLogs)
	mux.HandleFunc("/api/v1/activity/stream", s.handleActivityStream)

	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}

	logger.Info().
		Int("port", s.port).
		Msg("Starting API server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping API server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	logger.Info().Msg("API server stopped")
	return nil
}
