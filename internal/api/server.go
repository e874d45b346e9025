package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/gateway"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/infrastructure/logging"
	"github.com/edgewild/fleetcore/internal/router"
	"github.com/edgewild/fleetcore/internal/task"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config       config.ServerConfig
	WS           config.WebSocketConfig
	Router       config.RouterConfig
	Logger       *logging.Logger
	Registry     *device.Registry
	Monitor      *device.Monitor
	Commands     *router.Router
	Orchestrator *task.Orchestrator
	Gateway      *gateway.Gateway
	Version      string
}

// Server is the HTTP API server for Fleetcore.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg          config.ServerConfig
	wsCfg        config.WebSocketConfig
	routerCfg    config.RouterConfig
	logger       *logging.Logger
	registry     *device.Registry
	monitor      *device.Monitor
	commands     *router.Router
	orchestrator *task.Orchestrator
	gateway      *gateway.Gateway
	version      string
	server       *http.Server
	cancel       context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("task orchestrator is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("agent gateway is required")
	}

	return &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		routerCfg:    deps.Router,
		logger:       deps.Logger,
		registry:     deps.Registry,
		monitor:      deps.Monitor,
		commands:     deps.Commands,
		orchestrator: deps.Orchestrator,
		gateway:      deps.Gateway,
		version:      deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	_, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
