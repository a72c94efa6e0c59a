/**
 * @description
 * This file sets up the HTTP router for the visadirect-service. Operator
 * endpoints live under /payments behind authentication and velocity limits; the
 * network calls /webhooks/visa directly and is authenticated by signature.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the operator console.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/visadirect-service/internal/app"
)

// RouterConfig collects everything NewRouter wires together.
type RouterConfig struct {
	Payments       *PaymentHandlers
	Webhooks       http.Handler
	Health         HealthChecker
	Auth           AuthConfig
	Velocity       app.VelocityLimiter
	AllowedOrigins []string
}

// NewRouter creates the service's root handler.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", InternalAPIKeyHeader, "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", HealthHandler(cfg.Health))

	if cfg.Webhooks != nil {
		r.Method(http.MethodPost, "/webhooks/visa", cfg.Webhooks)
	}

	if cfg.Payments != nil {
		r.Route("/payments", func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(cfg.Auth))

			mutation := VelocityMiddleware(cfg.Velocity, app.OperationMutation)
			query := VelocityMiddleware(cfg.Velocity, app.OperationQuery)

			r.With(mutation).Post("/transfers", cfg.Payments.PushFundsHandler)
			r.With(query).Get("/transfers/{transactionID}", cfg.Payments.TransferStatusHandler)
			r.With(mutation).Post("/transfers/{transactionID}/refunds", cfg.Payments.RefundHandler)
			r.With(query).Post("/merchants/validate", cfg.Payments.ValidateMerchantHandler)
		})
	}

	return r
}
