package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

type Server struct {
	router     *chi.Mux
	port       int
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	logger     *slog.Logger
}

func NewServer(port int, apiToken string, d *dispatch.Dispatcher, st *store.Store, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		port:       port,
		dispatcher: d,
		store:      st,
		logger:     logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/chatcap/status", s.status)
		r.Post("/actions", s.action)
		r.Route("/scans", func(r chi.Router) {
			r.Get("/", s.listScans)
			r.Delete("/", s.cleanupScans)
			r.Get("/count", s.countScans)
			r.Get("/by-url", s.scansByURL)
			r.Get("/{id}", s.getScan)
		})
		r.Get("/merges/{id}", s.getMerge)
	})

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":         "chatcap",
		"status":        "ok",
		"backend":       s.store.BackendName(),
		"usingFallback": s.store.IsUsingFallback(),
	})
}

// action handles POST /api/v1/actions
func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	resp := s.dispatcher.HandleAction(r.Context(), req)
	code := http.StatusOK
	if !resp.Success {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resp)
}
