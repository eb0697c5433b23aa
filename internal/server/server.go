package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/BadgerOps/gamescan/internal/engine"
	"github.com/BadgerOps/gamescan/internal/store"
)

// Server exposes the scan engine and its history over HTTP.
type Server struct {
	engine     *engine.Engine
	store      *store.Store
	config     *config.Config
	tracker    *engine.Tracker
	logger     *slog.Logger
	httpServer *http.Server

	// locateGame finds an install when neither the request nor the config names one.
	locateGame func() (string, error)

	// Sessions outlive the request that started them.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	watchers   sync.WaitGroup
}

// NewServer creates a new Server instance. st may be nil, in which case the
// history endpoints report 503.
func NewServer(
	eng *engine.Engine,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:     eng,
		store:      st,
		config:     cfg,
		tracker:    engine.NewTracker(),
		logger:     logger,
		locateGame: func() (string, error) {
			return config.FindGameDirectory(config.GameDirectoryCandidates(""))
		},
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.setupRoutes(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the progress event stream stays open for a whole scan.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown cancels any running scan, waits for it to finish and gracefully
// shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.engine.RequestCancel()
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/scan", s.handleScanStatus)
	mux.HandleFunc("POST /api/scan", s.handleStartScan)
	mux.HandleFunc("POST /api/scan/cancel", s.handleCancelScan)
	mux.HandleFunc("GET /api/scan/events", s.handleScanEvents)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	return mux
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}
