/**
 * @description
 * This file sets up the HTTP router for the withdrawal-service using the Chi library.
 * It defines all the API routes, associates them with their respective handlers,
 * and applies necessary middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: Routing, middleware and CORS.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lipila/withdrawal-service/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries everything the router needs besides the handlers.
type RouterOptions struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
	Metrics        *app.Metrics
	Gatherer       prometheus.Gatherer
}

// NewRouter creates a new Chi router and registers the withdrawal routes.
func NewRouter(h *WithdrawalHandlers, webhook *WebhookHandler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metricsMiddleware(opts.Metrics))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if webhook != nil {
		r.Post("/webhooks/lipila", webhook.HandleSettlementWebhook)
	}

	r.Route("/internal/withdrawals", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Post("/reconcile", h.ReconcileHandler)
		r.Post("/{processedID}/settlement-check", h.SettlementCheckHandler)
	})

	// Staff routes require a verified token.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(opts.Auth))

		r.Get("/staff/withdrawals/pending", h.ListPendingHandler)
		r.Get("/staff/withdrawals/processed", h.ListProcessedHandler)
		r.Post("/staff/withdrawals/decisions", h.DecisionHandler)
		r.Get("/staff/summary", h.StaffSummaryHandler)
		r.Get("/staff/creators/{creatorID}/balance", h.CreatorBalanceHandler)
	})

	return r
}

// metricsMiddleware records request counts and latency labeled by route pattern.
func metricsMiddleware(m *app.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, pattern, status, time.Since(started))
		})
	}
}
