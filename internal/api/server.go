package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/xstream/internal/manager"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Defaults fill in stream options a create request leaves out.
type Defaults struct {
	Profiling bool
	Counters  bool
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	manager  *manager.Manager
	defaults Defaults
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, m *manager.Manager, defaults Defaults, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		manager:  m,
		defaults: defaults,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", laneHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/devices", s.handleListDevices)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/streams", func(r chi.Router) {
		r.Post("/", s.handleCreateStream)
		r.Get("/", s.handleListStreams)
		r.Get("/{id}", s.handleGetStream)
		r.Delete("/{id}", s.handleDeleteStream)

		r.Post("/{id}/buffers", s.handleCreateBuffer)
		r.Get("/{id}/buffers", s.handleListBuffers)
		r.Get("/{id}/buffers/{buf}", s.handleGetBuffer)

		r.Post("/{id}/copy", s.handleCopy)
		r.Post("/{id}/fill", s.handleFill)
		r.Post("/{id}/wait", s.handleWait)
		r.Get("/{id}/lanes", s.handleListLanes)
		r.Delete("/{id}/lanes/{lane}", s.handleReleaseLane)
		r.Get("/{id}/events", s.handleStreamEvents)

		r.Get("/{id}/profiling", s.handleGetProfiling)
		r.Delete("/{id}/profiling", s.handleResetProfiling)
		r.Post("/{id}/profiling/snapshot", s.handleSnapshotProfiling)
		r.Get("/{id}/profiling/history", s.handleGetProfilingHistory)
		r.Get("/{id}/counters", s.handleGetCounters)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// Live streams are closed once the listener has drained.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		return fmt.Errorf("close streams: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
