package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configures the HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	Service        Activation
	LoginURL       string
	AdminToken     string
	CSRFRequired   bool
	Logger         zerolog.Logger
	// Middleware wraps every route, typically tracing and access logs.
	Middleware func(http.Handler) http.Handler
	// Ready reports whether dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Router builds the HTTP router with health, readiness, metrics and activation routes.
func Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Middleware != nil {
		r.Use(opts.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				opts.Logger.Warn().Err(err).Msg("readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.Handler())

	if opts.Service != nil {
		h := &handler{
			svc:          opts.Service,
			loginURL:     opts.LoginURL,
			adminToken:   opts.AdminToken,
			csrfRequired: opts.CSRFRequired,
			log:          opts.Logger.With().Str("component", "handlers").Logger(),
		}
		r.Get("/accept", h.prefill)
		r.Post("/accept", h.accept)
		r.Get("/resend", h.resend)
		r.Post("/resend", h.resend)
		r.Post("/invite", h.invite)
	}

	return r
}
