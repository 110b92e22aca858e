// Package billingbackend собирает HTTP-сервис биллинга и регистрирует его маршруты.
package billingbackend

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/lunaria-app/entitlement-engine/internal/http/handlers/billing/status"
	"github.com/lunaria-app/entitlement-engine/internal/http/handlers/billing/verify"
	"github.com/lunaria-app/entitlement-engine/internal/http/handlers/health"
	"github.com/lunaria-app/entitlement-engine/internal/http/handlers/session/start"
	"github.com/lunaria-app/entitlement-engine/internal/http/middlewarectx"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sessiontoken"
	entitlementservice "github.com/lunaria-app/entitlement-engine/internal/services/entitlement"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, maker sessiontoken.Maker, entitlementService *entitlementservice.Service) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытая конечная точка: обмен install id на токен сессии
		r.Post("/session/start", start.New(logger, maker).ServeHTTP)

		// Группа с проверкой токена сессии
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.SessionMiddleware(maker, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Get("/billing/status", status.New(logger, entitlementService).ServeHTTP)
			r.Post("/billing/verify", verify.New(logger, entitlementService).ServeHTTP)
		})
	})

	r.Get("/health", health.New(logger).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
