// Package server assembles the HTTP surface: global middleware, public health endpoints,
// and the authenticated wallet, admin, and internal intake routes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/josh-kwaku/tutorpay/internal/auth"
	"github.com/josh-kwaku/tutorpay/internal/handler"
	"github.com/josh-kwaku/tutorpay/internal/middleware"
	"github.com/josh-kwaku/tutorpay/internal/repository"
)

type idempotencyStore interface {
	Get(ctx context.Context, key string, callerID uuid.UUID) (*repository.IdempotencyEntry, error)
	Claim(ctx context.Context, key string, callerID uuid.UUID, requestHash string, now, expiresAt time.Time) error
	Complete(ctx context.Context, key string, callerID uuid.UUID, statusCode int, body []byte, expiresAt time.Time) error
	Release(ctx context.Context, key string, callerID uuid.UUID) error
}

type Handlers struct {
	Health       *handler.HealthHandler
	Wallets      *handler.WalletHandler
	Distribution *handler.DistributionHandler
	Orders       *handler.OrderHandler
}

func NewRouter(jwtSecret string, idem idempotencyStore, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Tracing, middleware.Logging, middleware.Recovery, middleware.Metrics)

	r.Get("/health", h.Health.Liveness)
	r.Get("/health/ready", h.Health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSecret))

		r.Route("/wallets/{kind}/{ownerID}", func(r chi.Router) {
			r.Get("/", h.Wallets.Get)
			r.Get("/transactions", h.Wallets.Transactions)
			r.Put("/bank-details", h.Wallets.UpdateBankDetails)
			r.With(middleware.Idempotency(idem)).Post("/withdrawals", h.Wallets.RequestWithdrawal)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))

			r.Post("/wallets/{walletID}/verify-bank", h.Wallets.VerifyBankDetails)
			r.Post("/transactions/{txID}/settle", h.Wallets.SettleTransaction)

			r.Get("/distributions/stats", h.Distribution.Stats)
			r.Post("/distributions/process", h.Distribution.Process)
			r.Post("/distributions/retry-failed", h.Distribution.RetryFailed)
			r.Get("/distributions/{id}", h.Distribution.Get)
			r.Post("/distributions/{id}/requeue", h.Distribution.Requeue)
			r.Get("/orders/{orderID}/distributions", h.Distribution.ListByOrder)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSecret), middleware.RequireRole(auth.RoleService))
		r.Post("/orders/paid", h.Orders.OrderPaid)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handler.RespondAppError(w, handler.ErrResourceNotFound, nil)
	})
	return r
}
