package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/dsmanager/internal/config"
	"github.com/BadgerOps/dsmanager/internal/engine"
	"github.com/BadgerOps/dsmanager/internal/mirror"
	"github.com/BadgerOps/dsmanager/internal/store"
)

// Server exposes the dataset manager over HTTP.
type Server struct {
	orch       *engine.Orchestrator
	store      *store.Store
	ranker     *mirror.Ranker
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance. st and ranker may be nil.
func NewServer(
	orch *engine.Orchestrator,
	st *store.Store,
	ranker *mirror.Ranker,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:   orch,
		store:  st,
		ranker: ranker,
		config: cfg,
		logger: logger,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/datasets", s.handleListDatasets)
	mux.HandleFunc("GET /api/datasets/{key}", s.handleGetDataset)
	mux.HandleFunc("DELETE /api/datasets/{key}", s.handleRemoveDataset)
	mux.HandleFunc("POST /api/datasets/{key}/download", s.handleDownload)
	mux.HandleFunc("POST /api/datasets/{key}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/datasets/{key}/enable", s.handleEnable)
	mux.HandleFunc("POST /api/datasets/{key}/disable", s.handleDisable)

	mux.HandleFunc("GET /api/downloads", s.handleActiveDownloads)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
	mux.HandleFunc("POST /api/mirrors/speedtest", s.handleSpeedTest)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
