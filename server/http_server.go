package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/INLOpen/nexuslake/config"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/engine"
)

// APIServer manages the HTTP server for the compaction API.
type APIServer struct {
	server  *http.Server
	tls     config.TLSConfig
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewAPIServer creates and configures a new compaction API server.
func NewAPIServer(cfg *config.ServerConfig, eng engine.CompactionEngineInterface, authn core.IAuthenticator, logger *slog.Logger) *APIServer {
	router := mux.NewRouter()
	logger = logger.With("component", "APIServer")

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8040"
	}

	NewCompactionHandlers(eng, logger).Register(router, authn)

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		tls:    cfg.TLS,
		logger: logger,
	}
}

// Handler returns the configured routing tree.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server. It's a blocking call.
func (s *APIServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	var err error
	if s.tls.Enabled {
		s.logger.Info("API server listening with TLS", "address", s.server.Addr)
		err = s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
	} else {
		s.logger.Info("API server listening", "address", s.server.Addr)
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("API server failed", "error", err)
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the API server.
func (s *APIServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", "error", err)
	} else {
		s.logger.Info("API server stopped gracefully.")
	}
}
