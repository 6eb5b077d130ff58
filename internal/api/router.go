package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/crochetai/backend/internal/auth"
	apperrors "github.com/crochetai/backend/internal/errors"
	"github.com/crochetai/backend/internal/health"
	"github.com/crochetai/backend/internal/logger"
	"github.com/crochetai/backend/internal/metrics"
	"github.com/crochetai/backend/internal/middleware"
)

// Config wires the HTTP surface to its services.
type Config struct {
	AuthService *auth.Service
	Health      *health.Handler
	Metrics     *metrics.Metrics
	Logger      *logger.Logger

	AllowedOrigins  []string
	Development     bool
	LoginPerMinute  int
	RegisterPerHour int
}

// NewRouter builds the chi router for the auth API.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	authHandlers := auth.NewHandlers(cfg.AuthService, middleware.ClientInfo)
	requireAuth := auth.Middleware(cfg.AuthService.Tokens())
	loginLimit := middleware.NewRateLimiter(cfg.LoginPerMinute, time.Minute)
	registerLimit := middleware.NewRateLimiter(cfg.RegisterPerHour, time.Hour)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RecoveryMiddleware(log))
	r.Use(logger.LoggingMiddleware(log))
	if cfg.Metrics != nil {
		r.Use(metrics.MetricsMiddleware(cfg.Metrics))
	}
	r.Use(middleware.SecurityHeaders(cfg.Development))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.CleanPath)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.NotFound("Route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, apperrors.GetRequestID(r.Context()),
			apperrors.New("METHOD_NOT_ALLOWED", "Method not allowed", apperrors.CategoryClient, http.StatusMethodNotAllowed))
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HealthHandler)
		r.Get("/health/live", cfg.Health.LivenessHandler)
		r.Get("/health/ready", cfg.Health.ReadinessHandler)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(registerLimit.Handler).Post("/register", apperrors.HandleFunc(authHandlers.Register))
		r.With(loginLimit.Handler).Post("/login", apperrors.HandleFunc(authHandlers.Login))
		r.Post("/refresh-token", apperrors.HandleFunc(authHandlers.Refresh))

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout", apperrors.HandleFunc(authHandlers.Logout))
			r.Get("/me", apperrors.HandleFunc(authHandlers.Me))
		})
	})

	return r
}
