// Package start реализует HTTP-обработчик создания сессии устройства.
//
// Handler принимает JSON-запрос с install id, платформой, версией приложения
// и временем устройства, валидирует их и возвращает bearer-токен сессии
// с моментом его истечения.
package start

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/lunaria-app/entitlement-engine/internal/http/response"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// TokenMaker описывает интерфейс выпуска токена сессии.
type TokenMaker interface {
	GenerateToken(installID, platform string) (string, time.Time, error)
}

// Handler управляет HTTP-запросами на создание сессии.
type Handler struct {
	log      *slog.Logger
	maker    TokenMaker
	validate *validator.Validate
}

// New создает новый Handler с переданными логгером и maker'ом токенов.
func New(log *slog.Logger, maker TokenMaker) *Handler {
	return &Handler{
		log:      log,
		maker:    maker,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Создать сессию устройства
// @Description Обменивает install id на короткоживущий bearer-токен сессии.
// @Tags Session
// @Accept  json
// @Produce  json
// @Param request body models.StartSessionRequest true "Данные установки"
// @Success 200 {object} map[string]any "Токен сессии"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 500 {object} response.ErrorResponse "Ошибка выпуска токена"
// @Router /session/start [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.session.start"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req models.StartSessionRequest
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

	if req.Platform != models.PlatformIOS && req.Platform != models.PlatformAndroid {
		log.Error("unknown platform", slog.String("platform", req.Platform))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("platform must be ios or android"))
		return
	}

	token, expiresAt, err := h.maker.GenerateToken(req.InstallID, req.Platform)
	if err != nil {
		log.Error("failed to issue session token", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not start session"))
		return
	}

	log.Info("session started", slog.String("install_id", req.InstallID), slog.String("platform", req.Platform))
	render.JSON(w, r, response.OKWithData(models.StartSessionResponse{
		SessionToken: token,
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
	}))
}
