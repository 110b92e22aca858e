// Package entitlement содержит бизнес-логику определения прав доступа:
// выдачу статуса по кэшу/хранилищу и верификацию покупок через платформы.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
	"github.com/lunaria-app/entitlement-engine/internal/rabbitmq"
)

// Ошибки уровня сервиса.
var (
	// ErrVerifierUnavailable — платформа не ответила; клиент может повторить
	// верификацию позже, не финализируя покупку.
	ErrVerifierUnavailable = errors.New("verification unavailable")
	// ErrBadRequest — в заявке не хватает платформозависимых полей.
	ErrBadRequest = errors.New("invalid verify request")
)

// Время жизни кэшированного ответа статуса.
const statusCacheTTL = 5 * time.Minute

// EntitlementRepository определяет методы для работы с записями entitlement в хранилище.
type EntitlementRepository interface {
	// UpsertRecord создаёт или обновляет запись по install id.
	UpsertRecord(ctx context.Context, rec models.EntitlementRecord) error
	// ReadRecord возвращает запись по install id, (nil, nil) если записи нет.
	ReadRecord(ctx context.Context, installID string) (*models.EntitlementRecord, error)
}

// Cache описывает методы для кэширования ответов статуса.
type Cache interface {
	// Get пытается получить значение из кеша по ключу.
	Get(ctx context.Context, key string, result any) (bool, error)
	// Set сохраняет значение в кеш с временем жизни.
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	// Invalidate удаляет значение из кеша по ключу.
	Invalidate(ctx context.Context, key string) error
}

// AppleVerifier подтверждает транзакцию через App Store Server API.
type AppleVerifier interface {
	VerifyTransaction(ctx context.Context, transactionID string) models.VerifyResult
}

// GoogleVerifier подтверждает подписку через Google Play Developer API.
type GoogleVerifier interface {
	VerifySubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) models.VerifyResult
}

// EventPublisher публикует события об изменении entitlement.
type EventPublisher interface {
	Publish(routingKey string, message any) error
}

// Service реализует бизнес-логику entitlement, включая кеширование.
type Service struct {
	repo        EntitlementRepository
	cache       Cache
	apple       AppleVerifier
	google      GoogleVerifier
	events      EventPublisher
	packageName string
	log         *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo EntitlementRepository, cache Cache, apple AppleVerifier, google GoogleVerifier,
	events EventPublisher, packageName string, log *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		cache:       cache,
		apple:       apple,
		google:      google,
		events:      events,
		packageName: packageName,
		log:         log,
	}
}

// Status возвращает текущий entitlement установки. Отсутствие записи — это
// валидный ответ "free". Запись с истёкшим сроком тоже отвечается как "free".
func (s *Service) Status(ctx context.Context, installID string) (*models.StatusResponse, error) {
	cacheKey := fmt.Sprintf("entitlement:%s", installID)

	var cached models.StatusResponse
	found, err := s.cache.Get(ctx, cacheKey, &cached)
	if err != nil {
		s.log.Warn("cache read failed", slog.String("key", cacheKey), sl.Err(err))
	}
	if found {
		return &cached, nil
	}

	rec, err := s.repo.ReadRecord(ctx, installID)
	if err != nil {
		return nil, err
	}

	resp := statusFromRecord(rec, time.Now())
	if err := s.cache.Set(ctx, cacheKey, resp, statusCacheTTL); err != nil {
		s.log.Warn("failed to cache status", slog.String("key", cacheKey), sl.Err(err))
	}
	return resp, nil
}

// Verify подтверждает заявку клиента у платформы и обновляет запись entitlement.
// Заявка клиента — не доказательство: запись меняется только по ответу платформы.
// Недоступность платформы возвращается как ErrVerifierUnavailable, запись при
// этом не трогается.
func (s *Service) Verify(ctx context.Context, installID string, req models.VerifyRequest) (*models.StatusResponse, error) {
	const op = "services.entitlement.Verify"
	log := s.log.With(slog.String("op", op), slog.String("install_id", installID))

	result, err := s.runVerifier(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		log.Error("verifier unavailable", slog.String("verifier_error", result.Err))
		return nil, ErrVerifierUnavailable
	}

	entitlement := models.EntitlementFree
	if result.Entitled {
		entitlement = models.EntitlementFull
	}

	prev, err := s.repo.ReadRecord(ctx, installID)
	if err != nil {
		return nil, err
	}

	rec := models.EntitlementRecord{
		InstallID:      installID,
		Entitlement:    entitlement,
		Platform:       req.Platform,
		SKU:            req.SKU,
		ExpiresAt:      result.ExpiresAt,
		LastVerifiedAt: time.Now(),
	}
	switch req.Platform {
	case models.PlatformIOS:
		rec.TransactionID = &req.TransactionID
	case models.PlatformAndroid:
		rec.PurchaseToken = &req.PurchaseToken
	}

	if err := s.repo.UpsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	log.Info("entitlement record updated",
		slog.String("entitlement", entitlement),
		slog.String("sku", req.SKU))

	cacheKey := fmt.Sprintf("entitlement:%s", installID)
	resp := statusFromRecord(&rec, time.Now())
	if err := s.cache.Set(ctx, cacheKey, resp, statusCacheTTL); err != nil {
		log.Warn("failed to cache status", slog.String("key", cacheKey), sl.Err(err))
	}

	s.publishChange(prev, rec, result.Reason)

	return resp, nil
}

// runVerifier выбирает верификатор по платформе заявки
// и проверяет наличие обязательных для неё полей.
func (s *Service) runVerifier(ctx context.Context, req models.VerifyRequest) (models.VerifyResult, error) {
	switch req.Platform {
	case models.PlatformIOS:
		if req.TransactionID == "" {
			return models.VerifyResult{}, fmt.Errorf("%w: transactionId is required for ios", ErrBadRequest)
		}
		return s.apple.VerifyTransaction(ctx, req.TransactionID), nil
	case models.PlatformAndroid:
		if req.PurchaseToken == "" || req.ProductID == "" {
			return models.VerifyResult{}, fmt.Errorf("%w: purchaseToken and productId are required for android", ErrBadRequest)
		}
		packageName := req.PackageName
		if packageName == "" {
			packageName = s.packageName
		}
		return s.google.VerifySubscription(ctx, packageName, req.ProductID, req.PurchaseToken), nil
	default:
		return models.VerifyResult{}, fmt.Errorf("%w: unknown platform %q", ErrBadRequest, req.Platform)
	}
}

// publishChange публикует событие, если entitlement установки изменился.
// Сбой публикации не валит верификацию.
func (s *Service) publishChange(prev *models.EntitlementRecord, rec models.EntitlementRecord, reason string) {
	prevEntitlement := models.EntitlementFree
	if prev != nil {
		prevEntitlement = prev.Entitlement
	}
	if prevEntitlement == rec.Entitlement {
		return
	}

	routingKey := rabbitmq.RoutingKeyUpdated
	if rec.Entitlement == models.EntitlementFree {
		routingKey = rabbitmq.RoutingKeyRevoked
	}
	event := rabbitmq.EntitlementEvent{
		InstallID:   rec.InstallID,
		Entitlement: rec.Entitlement,
		Platform:    rec.Platform,
		SKU:         rec.SKU,
		ExpiresAt:   rec.ExpiresAt,
		Reason:      reason,
	}
	if err := s.events.Publish(routingKey, event); err != nil {
		s.log.Warn("failed to publish entitlement event", sl.Err(err))
	}
}

// statusFromRecord вычисляет ответ статуса из записи с учётом истечения срока.
func statusFromRecord(rec *models.EntitlementRecord, now time.Time) *models.StatusResponse {
	resp := &models.StatusResponse{Entitlement: models.EntitlementFree}
	if rec == nil {
		return resp
	}
	if rec.Entitlement == models.EntitlementFull {
		if rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
			resp.Entitlement = models.EntitlementFull
		}
	}
	if rec.ExpiresAt != nil {
		formatted := rec.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &formatted
	}
	return resp
}
