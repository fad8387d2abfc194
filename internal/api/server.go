// Package api implements the API Facade (spec §4.7): a thin synchronous
// HTTP surface over the task store and scheduler. The mux-plus-timeouts
// server shape follows cuemby-warren's pkg/api.HealthServer, generalized
// from a two-route health check to the full create/get/list/retry/download
// contract spec §6 requires.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gurre/docflow/internal/applog"
	"github.com/gurre/docflow/internal/metrics"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/queue"
	"github.com/gurre/docflow/internal/scheduler"
	"github.com/gurre/docflow/internal/taskstore"
)

var logger = applog.WithComponent("api")

// Server is the API Facade.
type Server struct {
	store      taskstore.Store
	sched      *scheduler.Scheduler
	gateway    *objectstore.Gateway
	httpServer *http.Server
}

// New builds a Server wired to its collaborators. addr is the listen
// address (spec §6 config key listen_addr, carried on config.Config as
// ListenAddr).
func New(addr string, store taskstore.Store, sched *scheduler.Scheduler, gateway *objectstore.Gateway) *Server {
	s := &Server{store: store, sched: sched, gateway: gateway}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/create", s.handleCreate)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/tasks/retry-failed", s.handleRetryFailed)
	mux.HandleFunc("PUT /api/tasks/{id}/task-type", s.handleUpdateTaskType)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/download/{id}/{filename}", s.handleDownload)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	logger.Info().Str("addr", s.httpServer.Addr).Msg("api: listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireScheduler reports 503 and returns false when the scheduler has not
// been started yet (spec §6: "503 scheduler not initialized").
func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.sched == nil || !s.sched.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return false
	}
	return true
}

func (s *Server) fabric() *queue.Fabric {
	if s.sched == nil {
		return nil
	}
	return s.sched.Fabric()
}
