package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuslake/auth"
	"github.com/INLOpen/nexuslake/config"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/engine"
)

// AppServer manages all network-facing servers (API, metrics).
type AppServer struct {
	apiServer     *APIServer
	metricsServer *MetricsServer
	cfg           *config.Config
	logger        *slog.Logger
	engine        engine.CompactionEngineInterface
	cancel        context.CancelFunc
}

// NewAppServer creates and initializes a new application server.
func NewAppServer(eng engine.CompactionEngineInterface, cfg *config.Config, logger *slog.Logger) (*AppServer, error) {
	var authenticator core.IAuthenticator
	if cfg.Security.Enabled {
		var err error
		authenticator, err = auth.NewAuthenticator(cfg.Security.UserFilePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
		}
	} else {
		authenticator = auth.NewNonAuthenticator()
	}

	appSrv := &AppServer{
		cfg:    cfg,
		logger: logger.With("component", "AppServer"),
		engine: eng,
	}

	appSrv.apiServer = NewAPIServer(&cfg.Server, eng, authenticator, logger)

	if cfg.Debug.Enabled {
		appSrv.metricsServer = NewMetricsServer(&cfg.Debug, logger)
	} else {
		logger.Info("Metrics server is disabled.")
	}

	return appSrv, nil
}

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start() error {
	// Create a new context for the errgroup that can be cancelled by Stop().
	g, ctx := errgroup.WithContext(context.Background())
	var appCtx context.Context
	appCtx, s.cancel = context.WithCancel(ctx)

	g.Go(func() error {
		// This goroutine waits for the shutdown signal and stops the API server.
		go func() {
			<-appCtx.Done()
			s.logger.Info("Context cancelled, stopping API server...")
			s.apiServer.Stop()
		}()
		s.logger.Info("Starting API server...")
		return s.apiServer.Start()
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping Metrics server...")
				s.metricsServer.Stop()
			}()
			s.logger.Info("Starting Metrics server...")
			return s.metricsServer.Start()
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	// Wait for all servers to stop. g.Wait() returns the first non-nil error.
	err := g.Wait()

	// Differentiate between a graceful shutdown and an actual error.
	// On graceful shutdown, Serve() returns specific errors.
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}

	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	// Trigger the cancellation of the context created in Start().
	// This will cause the goroutines in the errgroup to stop.
	if s.cancel != nil {
		s.cancel()
	}
}

// GetEngine returns the underlying compaction engine. This is useful for tests.
func (s *AppServer) GetEngine() engine.CompactionEngineInterface {
	return s.engine
}
