// Package server runs the HTTP server that fronts the transcoding module.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/config"
	"github.com/mantonx/reframe/internal/middleware"
)

// Module is a component that serves routes and has a lifecycle.
type Module interface {
	ID() string
	RegisterRoutes(router *gin.Engine)
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Server owns the router and the modules behind it.
type Server struct {
	cfg     config.ServerConfig
	logger  hclog.Logger
	router  *gin.Engine
	modules []Module
	http    *http.Server
}

// New builds the router and registers the routes of every module.
func New(cfg config.ServerConfig, logger hclog.Logger, modules ...Module) *Server {
	logger = logger.Named("server")

	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger, "/health"))
	r.Use(middleware.ErrorLogger(logger))
	if cfg.EnableCORS {
		r.Use(middleware.CORS())
	}

	for _, m := range modules {
		m.RegisterRoutes(r)
		logger.Debug("module routes registered", "module", m.ID())
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		router:  r,
		modules: modules,
		http: &http.Server{
			Addr:         cfg.Address(),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Router returns the gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts every module and serves on the configured address until ctx
// is done, then shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for _, m := range s.modules {
		if err := m.Start(ctx); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start module %s: %w", m.ID(), err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.shutdownModules()
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	for _, m := range s.modules {
		if err := m.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("module %s shutdown: %w", m.ID(), err))
		}
	}
	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) shutdownModules() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	for _, m := range s.modules {
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("module shutdown failed", "module", m.ID(), "error", err)
		}
	}
}
