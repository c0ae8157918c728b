// Package server exposes the cursord HTTP API: execution endpoints,
// conversation management, and health probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nevindra/cursord/internal/config"
	"github.com/nevindra/cursord/internal/convo"
	"github.com/nevindra/cursord/internal/queue"
	"github.com/nevindra/cursord/internal/runner"
)

const serviceName = "cursord"

// Server is the cursord HTTP API server.
type Server struct {
	cfg     config.Config
	runner  *runner.Runner
	store   *convo.Store
	journal queue.Journal // nil when the task journal is disabled
	logger  *slog.Logger
	router  chi.Router
}

// New wires a Server over its collaborators.
func New(cfg config.Config, run *runner.Runner, store *convo.Store, journal queue.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:     cfg,
		runner:  run,
		store:   store,
		journal: journal,
		logger:  logger,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully: stop
// accepting, drain handlers, wait for in-flight async runs.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}()

	s.logger.Info("cursord listening", "addr", s.cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	// Async runs observe the same ctx through the runner's shutdown context
	// and terminate their children; wait for their callbacks to go out.
	s.runner.Wait()
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.Server.DeveloperMode {
		r.Use(s.developerRecoverer)
	}
	r.Use(middleware.Timeout(config.MaxHardTimeout + time.Minute))

	r.Route("/cursor", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/execute/async", s.handleExecuteAsync(false))
		r.Post("/iterate/async", s.handleExecuteAsync(true))
	})

	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/new", s.handleAgentNew)
		r.Post("/{id}/message", s.handleAgentMessage)
		r.Get("/list", s.handleAgentList)
		r.Get("/{id}", s.handleAgentGet)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/queue", s.handleHealthQueue)

	return r
}

// requestLogger logs one line per completed request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// developerRecoverer returns panic details in the response body. It sits
// inside middleware.Recoverer, so its recover runs first and the outer
// recoverer only handles what this one re-raises (nothing).
func (s *Server) developerRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil && rec != http.ErrAbortHandler {
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"success":   false,
					"error":     fmt.Sprint(rec),
					"stack":     string(debug.Stack()),
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
