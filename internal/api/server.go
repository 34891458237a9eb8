package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/journal"
)

// TaskRunner runs jobs synchronously by task name.
type TaskRunner interface {
	Run(ctx context.Context, task string, input json.RawMessage) (json.RawMessage, error)
	Tasks() []string
}

// JobLister reads the job journal.
type JobLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
	Counts(ctx context.Context) (map[journal.Status]int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey, when set, is required as a bearer token on everything but /healthz.
	APIKey string
	// RunTimeout bounds a single POST /run call.
	RunTimeout time.Duration
	// CORSOrigins enables CORS for the listed origins ("*" allows any).
	CORSOrigins []string
	// RunRate caps POST /run calls per second across all clients; zero is unlimited.
	RunRate float64
	// RunBurst is the limiter bucket size (default: max(1, RunRate)).
	RunBurst int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runner    TaskRunner
	jobs      JobLister
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	limiter   *rate.Limiter
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, runner TaskRunner, jobs JobLister, hub *events.Hub, logger *slog.Logger) *Server {
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	var limiter *rate.Limiter
	if config.RunRate > 0 {
		burst := config.RunBurst
		if burst <= 0 {
			burst = max(1, int(config.RunRate))
		}
		limiter = rate.NewLimiter(rate.Limit(config.RunRate), burst)
	}
	return &Server{
		config:    config,
		runner:    runner,
		jobs:      jobs,
		events:    hub,
		logger:    logger,
		limiter:   limiter,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.RunTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.With(s.rateLimit).Post("/run/{task}", s.handleRun)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// rateLimit rejects runs beyond the configured rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
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
