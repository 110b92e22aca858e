// Package status реализует HTTP-обработчик запроса статуса entitlement.
//
// Handler извлекает install id из контекста сессии, сверяет его с query-параметром
// installId и возвращает авторитетный ответ бэкенда: "full" или "free" с моментом
// истечения. Отсутствие записи — валидный ответ "free", а не 404.
package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/lunaria-app/entitlement-engine/internal/http/middlewarectx"
	"github.com/lunaria-app/entitlement-engine/internal/http/response"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// Service описывает интерфейс бизнес-логики статуса entitlement.
type Service interface {
	Status(ctx context.Context, installID string) (*models.StatusResponse, error)
}

// Handler управляет HTTP-запросами статуса entitlement.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Статус entitlement установки
// @Description Возвращает авторитетный ответ о праве доступа установки.
// @Tags Billing
// @Produce  json
// @Param installId query string true "Идентификатор установки"
// @Success 200 {object} map[string]any "Статус entitlement"
// @Failure 401 {object} response.ErrorResponse "Сессия не авторизована"
// @Failure 403 {object} response.ErrorResponse "installId не совпадает с токеном"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /billing/status [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.status"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	installID, ok := r.Context().Value(middlewarectx.InstallID).(string)
	if !ok || installID == "" {
		log.Error("install id not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	if q := r.URL.Query().Get("installId"); q != "" && q != installID {
		log.Error("installId mismatch", slog.String("query", q))
		w.WriteHeader(http.StatusForbidden)
		render.JSON(w, r, response.Error("installId does not match session"))
		return
	}

	resp, err := h.service.Status(r.Context(), installID)
	if err != nil {
		log.Error("failed to read entitlement status", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read status"))
		return
	}

	log.Info("entitlement status answered", slog.String("entitlement", resp.Entitlement))
	render.JSON(w, r, response.OKWithData(resp))
}
