// Package middlewarectx содержит HTTP middleware для проверки токенов сессии.
//
// SessionMiddleware проверяет наличие и валидность bearer-токена сессии в
// заголовке Authorization и в случае успеха добавляет в контекст install id
// и платформу для дальнейшего использования в обработчиках.
//
// В случае ошибки проверки возвращает HTTP 401 Unauthorized: клиент по этому
// статусу один раз перевыпускает сессию и повторяет запрос.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/lunaria-app/entitlement-engine/internal/http/response"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sessiontoken"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// InstallID — ключ для идентификатора установки в контексте
	InstallID Key = "install_id"
	// Platform — ключ для платформы устройства в контексте
	Platform Key = "platform"
)

// TokenParser описывает интерфейс разбора токена сессии.
type TokenParser interface {
	ParseToken(tokenStr string) (*sessiontoken.CustomClaims, error)
}

// SessionMiddleware возвращает HTTP middleware, который проверяет токен сессии
// в заголовке Authorization.
//
// Если токен валиден, добавляет install id и платформу в контекст запроса,
// иначе возвращает ошибку с HTTP статусом 401 Unauthorized.
func SessionMiddleware(maker TokenParser, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const op = "middlewarectx.SessionMiddleware"

			log = log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Error("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid authorization header"))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := maker.ParseToken(tokenStr)
			if err != nil {
				log.Error("invalid or expired session token", sl.Err(err))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid or expired session token"))
				return
			}
			ctx := context.WithValue(r.Context(), InstallID, claims.InstallID)
			ctx = context.WithValue(ctx, Platform, claims.Platform)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
