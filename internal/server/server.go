// Package server exposes the automation control plane: event ingestion,
// initialize/status/pause/resume/stop, the WebSocket endpoint, health and
// metrics.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devteamhq/runner/internal/projection"
	"github.com/devteamhq/runner/internal/queue"
	"github.com/devteamhq/runner/internal/store"
)

// Controller applies lifecycle transitions to the live execution of a
// project. Implementations return store.ErrNotFound when no live execution
// exists and store.ErrIllegalTransition for invalid source states.
type Controller interface {
	Pause(ctx context.Context, projectID string) error
	Resume(ctx context.Context, projectID string) error
	Stop(ctx context.Context, projectID string) error
}

// Server is the control-plane HTTP server.
type Server struct {
	store      *store.Store
	queue      *queue.Queue
	controller Controller
	wsHandler  http.Handler
	cache      *projection.Cache
}

// New creates a Server. wsHandler serves the /ws/devteam upgrade.
func New(st *store.Store, q *queue.Queue, ctrl Controller, wsHandler http.Handler) *Server {
	return &Server{
		store:      st,
		queue:      q,
		controller: ctrl,
		wsHandler:  wsHandler,
		cache:      projection.NewCache(),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Post("/events", s.handleEvent)

	r.Route("/api/devteam/automation", func(r chi.Router) {
		r.Post("/initialize", s.handleInitialize)
		r.Get("/status/{owner}/{repo}", handle(http.StatusOK, s.status))
		r.Post("/pause/{owner}/{repo}", handle(http.StatusOK, s.pause))
		r.Post("/resume/{owner}/{repo}", handle(http.StatusOK, s.resume))
		r.Post("/stop/{owner}/{repo}", handle(http.StatusOK, s.stop))
	})

	if s.wsHandler != nil {
		r.Get("/ws/devteam", s.wsHandler.ServeHTTP)
	}
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestLogger logs one line per request at debug, errors at warn.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		lvl := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			lvl = slog.LevelWarn
		}
		slog.Log(r.Context(), lvl, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond),
			"requestId", middleware.GetReqID(r.Context()))
	})
}
