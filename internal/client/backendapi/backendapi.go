// Package backendapi реализует HTTP-клиент биллингового бэкенда.
//
// Авторизованные вызовы реализуют единую политику повтора: на ответ 401
// сессия перевыпускается ровно один раз, и запрос повторяется ровно один раз.
// Повторный 401 считается недоступностью бэкенда и отдаётся вызывающему как
// ErrBackendUnavailable — дальше решает grace-политика, а не повторные запросы.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// ErrBackendUnavailable возвращается при сетевых сбоях, 5xx и повторных 401:
// во всех этих случаях авторитетный ответ получить не удалось.
var ErrBackendUnavailable = errors.New("billing backend unavailable")

// Таймаут сетевых запросов: зависший бэкенд не должен навсегда
// останавливать инициализацию.
const requestTimeout = 10 * time.Second

// TokenSource выдаёт и перевыпускает токен сессии.
type TokenSource interface {
	EnsureSession(ctx context.Context) (string, error)
	RefreshSession(ctx context.Context) (string, error)
}

// Client — HTTP-клиент биллингового бэкенда.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	log        *slog.Logger
}

// New создаёт Client для указанного адреса бэкенда. Источник токенов
// подключается отдельно через UseTokenSource, так как менеджер сессий сам
// пользуется этим клиентом для выпуска сессии.
func New(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

// UseTokenSource подключает источник токенов для авторизованных вызовов.
func (c *Client) UseTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// StartSession запрашивает новую сессию. Вызов не требует авторизации.
func (c *Client) StartSession(ctx context.Context, req models.StartSessionRequest) (*models.Session, error) {
	const op = "backendapi.StartSession"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/session/start", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w: unexpected status %d", op, ErrBackendUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Data models.StartSessionResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, envelope.Data.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s: bad expiresAt: %w", op, err)
	}
	return &models.Session{Token: envelope.Data.SessionToken, ExpiresAt: expiresAt}, nil
}

// Status запрашивает авторитетный статус entitlement установки.
func (c *Client) Status(ctx context.Context, installID string) (*models.StatusResponse, error) {
	const op = "backendapi.Status"

	var result models.StatusResponse
	err := c.doAuthorized(ctx, http.MethodGet, "/api/v1/billing/status?installId="+installID, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}

// Verify передаёт заявку на верификацию покупки и возвращает итоговый статус.
func (c *Client) Verify(ctx context.Context, req models.VerifyRequest) (*models.StatusResponse, error) {
	const op = "backendapi.Verify"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var result models.StatusResponse
	if err := c.doAuthorized(ctx, http.MethodPost, "/api/v1/billing/verify", body, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}

// doAuthorized выполняет авторизованный запрос с политикой 401→refresh→retry.
// Перевыпуск сессии и повтор выполняются не больше одного раза.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body []byte, result any) error {
	token, err := c.tokens.EnsureSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	status, err := c.attempt(ctx, method, path, body, token, result)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log.Info("session rejected, refreshing once", slog.String("path", path))
		token, err = c.tokens.RefreshSession(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		status, err = c.attempt(ctx, method, path, body, token, result)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: session rejected twice", ErrBackendUnavailable)
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrBackendUnavailable, status)
	}
	return nil
}

// attempt выполняет один HTTP-запрос; при статусе 200 декодирует поле data.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, token string, result any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("backend request failed", slog.String("path", path), sl.Err(err))
		return 0, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	envelope := struct {
		Data any `json:"data"`
	}{Data: result}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return resp.StatusCode, nil
}
