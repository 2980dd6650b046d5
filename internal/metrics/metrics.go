package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_provider_requests_total",
		Help: "Outbound provider API calls by outcome.",
	}, []string{"provider", "outcome"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_runs_total",
		Help: "Calendar sync runs by mode and result.",
	}, []string{"provider", "mode", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_duration_seconds",
		Help:    "Duration of calendar sync runs.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "mode"})

	syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_events_total",
		Help: "Events reconciled by action.",
	}, []string{"provider", "action"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refresh_total",
		Help: "Access token refresh attempts by result.",
	}, []string{"provider", "result"})

	webhookNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhook_notifications_total",
		Help: "Inbound push notifications by result.",
	}, []string{"provider", "result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsync_queue_pending_jobs",
		Help: "Sync jobs waiting in the in-memory queue.",
	})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())

			// The route pattern is only complete once chi has finished routing, so
			// the context carries a pointer that is filled in afterwards.
			route := r.URL.Path
			ctx := context.WithValue(r.Context(), routeLabelKey, &route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			route = routePattern(r)
			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveProviderRequest counts an outbound provider call.
func ObserveProviderRequest(provider, outcome string) {
	providerRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveSyncRun records a finished sync run.
func ObserveSyncRun(provider, mode, result string, start time.Time) {
	syncRunsTotal.WithLabelValues(provider, mode, result).Inc()
	syncDuration.WithLabelValues(provider, mode).Observe(time.Since(start).Seconds())
}

// AddSyncEvents counts reconciled events for an action (created, updated, deleted, failed).
func AddSyncEvents(provider, action string, n int) {
	if n <= 0 {
		return
	}
	syncEventsTotal.WithLabelValues(provider, action).Add(float64(n))
}

// ObserveTokenRefresh counts a refresh attempt.
func ObserveTokenRefresh(provider, result string) {
	tokenRefreshTotal.WithLabelValues(provider, result).Inc()
}

// ObserveWebhookNotification counts an inbound notification.
func ObserveWebhookNotification(provider, result string) {
	webhookNotificationsTotal.WithLabelValues(provider, result).Inc()
}

// SetQueueDepth reports the number of pending in-memory jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(*string); ok && route != nil && *route != "" {
		return *route
	}
	return "background"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
