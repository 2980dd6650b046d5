package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/http/csrf"
	"github.com/jw6ventures/calsync/internal/http/ratelimit"
	"github.com/jw6ventures/calsync/internal/metrics"
)

// HealthChecker reports whether backing services are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Limiters throttle the unauthenticated entry points. Their Run loops are
// started by the caller.
type Limiters struct {
	Auth     *ratelimit.IPRateLimiter
	Webhooks *ratelimit.IPRateLimiter
}

// NewLimiters builds limiters from configuration. OAuth endpoints get
// 5 req/s with a burst of 10; webhook bursts follow provider fan-out.
func NewLimiters(cfg *config.Config) Limiters {
	return Limiters{
		Auth:     ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies),
		Webhooks: ratelimit.NewIPRateLimiter(rate.Limit(cfg.Webhooks.RateLimit), cfg.Webhooks.RateBurst, 5*time.Minute, cfg.TrustedProxies),
	}
}

// NewRouter wires all HTTP routes.
func NewRouter(cfg *config.Config, health HealthChecker, sessions *auth.SessionManager, h *api.Handler, limits Limiters) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Use(limits.Auth.Middleware())
		r.Use(sessions.RequireSession)
		r.Get("/connect", h.Connect)
		r.Get("/callback", h.Callback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(sessions.RequireSession)
		r.Use(csrf.Middleware(cfg))
		r.Get("/accounts", h.ListAccounts)
		r.Delete("/accounts/{id}", h.DeleteAccount)
		r.Get("/accounts/{id}/calendars", h.ListCalendars)
		r.Post("/accounts/{id}/sync", h.SyncAccount)
		r.Post("/calendars/{id}/watch", h.WatchCalendar)
		r.Delete("/calendars/{id}/watch", h.UnwatchCalendar)
	})

	if cfg.Webhooks.Enabled {
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(limits.Webhooks.Middleware())
			r.Post("/google", h.GoogleWebhook)
			r.Post("/microsoft", h.MicrosoftWebhook)
		})
	}

	return r
}
