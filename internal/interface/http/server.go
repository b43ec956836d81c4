// Package http exposes the progression engine over a JSON REST API: profile
// reads, achievement and badge progress, XP grants, streak check-ins and an
// admin reset.
package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stillpoint/progression/config"
	"github.com/stillpoint/progression/internal/application/engine"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/interface/http/handlers"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxBodyBytes - maximum size of request bodies.
	MaxBodyBytes int64

	// APIKeyHeader - header name for admin API key authentication.
	APIKeyHeader string

	// RateLimitPerMinute - requests per minute per IP on /v1/users (0 = disabled).
	RateLimitPerMinute int

	// RateLimitBurst - requests a client may make at once before the rate applies.
	RateLimitBurst int

	// Version reported by /health.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 64 << 10,
		APIKeyHeader: "X-API-Key",

		RateLimitPerMinute: 120,
		RateLimitBurst:     20,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// FeatureFlags is the subset of config.FeatureFlags the API consults.
type FeatureFlags interface {
	IsEnabled(featureName string, ctx *config.FeatureContext) bool
	GetVariant(featureName string, ctx *config.FeatureContext) string
}

// EventReader returns a user's recent progression events.
type EventReader interface {
	Recent(ctx context.Context, userID shared.UserID, limit int) ([]shared.EventEnvelope, error)
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Manager owns the per-user engines. Required.
	Manager *engine.Manager

	// Features gates celebrations and the admin reset (optional).
	Features FeatureFlags

	// Events enables GET /v1/users/{userID}/events (optional).
	Events EventReader

	// AdminAuth guards admin routes; nil disables them.
	AdminAuth *handlers.APIKeyAuth

	// Health aggregates backend checks (optional).
	Health handlers.HealthChecker

	// Calendar parses explicit activity dates (default: UTC).
	Calendar timeutil.Calendar

	// Clock supplies "today" for activity without a date (default: system clock).
	Clock timeutil.Clock

	// Logger
	Logger *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     chi.Router
	logger     *logger.Logger

	rateLimiter *rateLimiter

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(cfg Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Health == nil {
		deps.Health = handlers.NewCompositeHealthChecker(cfg.Version)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultConfig().APIKeyHeader
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: deps.Logger.With(logger.Component("http")),
	}
	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(handlers.SecurityHeadersMiddleware)
	r.Use(handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/catalog", s.handleCatalog)

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		if s.rateLimiter != nil {
			r.Use(s.rateLimitMiddleware)
		}
		r.Use(s.engineMiddleware)

		r.Get("/profile", s.handleGetProfile)
		r.Post("/achievements/{achievementID}/increment", s.handleIncrementAchievement)
		r.Post("/badges/{badgeID}/increment", s.handleIncrementBadge)
		r.Post("/badges/consistency", s.handleUpdateConsistency)
		r.Post("/xp", s.handleGrantXP)

		r.Get("/streaks/{streak}", s.handleGetStreak)
		r.Post("/streaks/{streak}/activity", s.handleRecordActivity)
		r.Post("/streaks/{streak}/checkin", s.handleCheckIn)
		r.Delete("/streaks/{streak}", s.handleResetStreak)

		if s.deps.Events != nil {
			r.Get("/events", s.handleRecentEvents)
		}

		if s.deps.AdminAuth != nil {
			r.With(s.deps.AdminAuth.Middleware).Post("/reset", s.handleReset)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	return r
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// loggingMiddleware attaches a request-scoped logger carrying the request id
// to the context and logs every request once it completes.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqLog := s.logger.WithRequestID(requestID(r))
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), reqLog)))

		reqLog.Info("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Latency(time.Since(start)),
			logger.String("ip", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(r.Context()).Error("panic recovered",
					logger.Any("error", err),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", r.URL.Path),
				)
				writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type engineKey struct{}

// engineMiddleware resolves {userID} to the user's engine.
func (s *Server) engineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := s.deps.Manager.ForUser(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), engineKey{}, e)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func engineFrom(r *http.Request) *engine.Engine {
	return r.Context().Value(engineKey{}).(*engine.Engine)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}
