package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/api/middleware"
	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/users"
)

// Options wires the router to the rest of the process.
type Options struct {
	Logger         zerolog.Logger
	Auth           *auth.Service
	Broadcaster    Broadcaster
	Relay          http.Handler
	Synthetic      SyntheticReporter
	Readiness      map[string]Pinger
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options) *chi.Mux {
	h := &Handler{
		auth:        opts.Auth,
		broadcaster: opts.Broadcaster,
		synthetic:   opts.Synthetic,
		readiness:   opts.Readiness,
		startedAt:   time.Now(),
		logger:      opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(h.logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !allowsAnyOrigin(opts.AllowedOrigins),
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	if opts.Relay != nil {
		r.Mount("/ws", opts.Relay)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/health/liveness", h.Liveness)
		r.Get("/health/readiness", h.Readiness)
		r.Get("/metrics/synthetic", h.SyntheticMetrics)

		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(opts.Auth))

			r.Get("/auth/me", h.Me)
			r.With(auth.RequireRole(users.RoleAdmin)).Post("/notifications", h.PushNotification)
		})
	})

	return r
}

// allowsAnyOrigin reports a "*" entry. Credentials are never combined with
// it, otherwise every origin would be reflected back with cookies allowed.
func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
