package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/knoguchi/luca/internal/auth"
	"github.com/knoguchi/luca/internal/chain"
	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/llm"
	"github.com/knoguchi/luca/internal/metrics"
	"github.com/knoguchi/luca/internal/prompt"
	"github.com/knoguchi/luca/internal/ratelimit"
	"github.com/knoguchi/luca/internal/repository"
	"github.com/knoguchi/luca/internal/reranker"
	"github.com/knoguchi/luca/internal/site"
)

// HTTPServer serves the chat API
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	logger   *slog.Logger
	deps     Deps
	validate *validator.Validate

	checksMu sync.RWMutex
	checks   []ReadinessCheck
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
}

// Deps are the collaborators of the HTTP handlers. Sites, LLM and Retriever are
// required; everything else is optional and disables its feature when nil.
type Deps struct {
	Sites     *site.Registry
	LLM       llm.LLM
	Retriever chain.Retriever
	Reranker  reranker.Reranker
	Prompts   *prompt.Cache

	ChatLogs repository.ChatLogRepository
	History  *history.Store

	Limiter  ratelimit.Limiter
	Auth     *auth.Middleware
	JWT      *auth.JWTManager
	Password *auth.PasswordChecker
	Metrics  *metrics.Metrics
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig, deps Deps) (*HTTPServer, error) {
	if deps.Sites == nil || deps.LLM == nil || deps.Retriever == nil {
		return nil, errors.New("server: site registry, LLM and retriever are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.NewCache()
	}

	s := &HTTPServer{
		router:   chi.NewRouter(),
		logger:   logger,
		deps:     deps,
		validate: newValidator(),
	}

	// Add middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLoggingMiddleware(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streamed answers
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) routes() {
	s.router.Get("/healthz", healthCheckHandler())
	s.router.Get("/readyz", s.readinessCheckHandler())
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit("login")).Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			if s.deps.Auth != nil {
				r.Use(s.deps.Auth.RequireLogin(func() bool {
					return s.deps.Sites.Current().RequireLogin
				}))
			}
			r.With(s.rateLimit("chat")).Post("/chat/v1", s.handleChat)
			r.With(s.rateLimit("comparison")).Post("/model-comparison", s.handleComparison)
		})
	})
}

// AddReadinessCheck registers a probe run by /readyz.
func (s *HTTPServer) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, ReadinessCheck{Name: name, Check: check})
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	}
}

// readinessCheckHandler runs every registered check and reports the failures.
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		s.checksMu.RLock()
		checks := append([]ReadinessCheck(nil), s.checks...)
		s.checksMu.RUnlock()

		failed := make(map[string]string)
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"checks": failed,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
		})
	}
}
