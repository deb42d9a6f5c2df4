// Package server exposes the websocket endpoint and the read-only task API
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/task"
	"github.com/abdelmounim-dev/tasksync/websocket"
)

// TaskReader is the part of the store served over HTTP.
type TaskReader interface {
	FetchAllTasks(ctx context.Context) ([]task.Task, error)
	FetchActiveTasksByUser(ctx context.Context, userID string) ([]task.Task, error)
}

// Server wraps the HTTP server and owns the shutdown of live sessions.
type Server struct {
	httpServer *http.Server
	store      TaskReader
	manager    *websocket.ClientManager
	logger     *slog.Logger
}

// NewServer wires the routes. ws serves the websocket upgrade at cfg.WSPath.
func NewServer(cfg config.ServerConfig, st TaskReader, manager *websocket.ClientManager, ws http.HandlerFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   st,
		manager: manager,
		logger:  logger.With("component", "http"),
	}

	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.Methods(http.MethodGet).Path("/api/tasks").HandlerFunc(s.allTasks)
	r.Methods(http.MethodGet).Path("/api/tasks/by_id/{id}").HandlerFunc(s.tasksByUser)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path(cfg.WSPath).HandlerFunc(ws)

	// Write timeouts would cut long-lived websocket connections; the
	// transport applies its own per-frame deadline.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "err", err)
	}
}

func (s *Server) allTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.FetchAllTasks(r.Context())
	if err != nil {
		s.logger.Error("failed to fetch tasks", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Could not fetch"})
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) tasksByUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	tasks, err := s.store.FetchActiveTasksByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to fetch tasks", "user_id", userID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.manager.Count()})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every live session and
// waits for their handlers to finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	err := s.httpServer.Shutdown(ctx)

	s.manager.CloseAllConnections("Server shutting down")
	if werr := s.manager.WaitForCompletion(ctx); werr != nil {
		s.logger.Warn("sessions did not finish before the deadline", "err", werr)
		err = errors.Join(err, werr)
	}
	return err
}
