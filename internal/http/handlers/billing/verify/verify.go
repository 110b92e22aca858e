// Package verify реализует HTTP-обработчик верификации покупки.
//
// Handler принимает платформозависимую заявку клиента, валидирует её и передаёт
// в сервис, который подтверждает покупку у платформы перед обновлением записи.
// Недоступность платформенного верификатора отвечается 502: клиент не должен
// финализировать покупку и может повторить верификацию позже.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/lunaria-app/entitlement-engine/internal/http/middlewarectx"
	"github.com/lunaria-app/entitlement-engine/internal/http/response"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
	"github.com/lunaria-app/entitlement-engine/internal/services/entitlement"
)

// Service описывает интерфейс бизнес-логики верификации покупки.
type Service interface {
	Verify(ctx context.Context, installID string, req models.VerifyRequest) (*models.StatusResponse, error)
}

// Handler управляет HTTP-запросами на верификацию покупок.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Верифицировать покупку
// @Description Подтверждает заявку клиента у платформы и обновляет запись entitlement.
// @Tags Billing
// @Accept  json
// @Produce  json
// @Param request body models.VerifyRequest true "Заявка на верификацию"
// @Success 200 {object} map[string]any "Итоговый entitlement"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON или заявка"
// @Failure 401 {object} response.ErrorResponse "Сессия не авторизована"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 502 {object} response.ErrorResponse "Платформа недоступна"
// @Security BearerAuth
// @Router /billing/verify [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.verify"
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

	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	resp, err := h.service.Verify(r.Context(), installID, req)
	switch {
	case errors.Is(err, entitlement.ErrBadRequest):
		log.Error("bad verify request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid verify request"))
		return
	case errors.Is(err, entitlement.ErrVerifierUnavailable):
		log.Error("verifier unavailable", sl.Err(err))
		w.WriteHeader(http.StatusBadGateway)
		render.JSON(w, r, response.Error("verification unavailable"))
		return
	case err != nil:
		log.Error("failed to verify purchase", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not verify purchase"))
		return
	}

	log.Info("purchase verified", slog.String("entitlement", resp.Entitlement), slog.String("sku", req.SKU))
	render.JSON(w, r, response.OKWithData(resp))
}
