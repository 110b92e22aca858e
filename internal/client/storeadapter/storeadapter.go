// Package storeadapter оборачивает нативный биллинговый SDK платформы.
//
// Adapter управляет жизненным циклом подключения, списком продуктов,
// покупками, восстановлением и финализацией транзакций. Ответы SDK на разных
// платформах и версиях ОС различаются по именам полей, поэтому адаптер
// нормализует их в кросс-платформенный models.Purchase по явной таблице
// кандидатов с задокументированным приоритетом.
//
// Ошибки SDK не выходят за границу адаптера: все сбои поглощаются и
// записываются в Diagnostics — единственный способ разобраться с жалобой
// «restore молча ничего не сделал» в продакшене.
package storeadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// ErrCancelled возвращается, когда пользователь отменил покупку.
// Это не сбой: UI показывает нейтральное сообщение, а не ошибку.
var ErrCancelled = errors.New("purchase cancelled by user")

// ErrNotConnected возвращается при попытке покупки без подключения к магазину.
var ErrNotConnected = errors.New("store connection is not initialized")

// ErrRestoreFailed возвращается, когда сам механизм восстановления не сработал:
// каждый источник ответил ошибкой. Отличается от «покупок нет» — это разные
// сообщения для UI и поддержки.
var ErrRestoreFailed = errors.New("restore failed")

// Параметры повторных попыток подключения к магазину.
const (
	connectAttempts  = 3
	connectBaseDelay = 500 * time.Millisecond
)

// transactionIDCandidates — упорядоченный список имён полей, из которых
// извлекается идентификатор текущей транзакции. Первые три представляют
// текущую транзакцию; originalTransactionIdIOS — первую в цепочке продлений,
// она годится только как последний кандидат: переверификация должна
// целиться в текущий период.
var transactionIDCandidates = []string{
	"transactionId",
	"latestTransactionId",
	"id",
	"originalTransactionIdIOS",
}

// StoreClient описывает примитивы нативного биллингового SDK.
// Реализации платформ возвращают «сырые» объекты как map — именно в таком
// виде их отдаёт SDK, и именно их нормализует адаптер.
type StoreClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Products(ctx context.Context, skus []string) ([]models.ProductSubscription, error)
	Purchase(ctx context.Context, sku, offerToken string) ([]map[string]any, error)
	AvailablePurchases(ctx context.Context) ([]map[string]any, error)
	// ActiveSubscriptions — только iOS: запрос активных подписок.
	ActiveSubscriptions(ctx context.Context) ([]map[string]any, error)
	// CurrentEntitlement — только iOS: текущее право по конкретному SKU.
	CurrentEntitlement(ctx context.Context, sku string) (map[string]any, error)
	Finish(ctx context.Context, purchase models.Purchase) error
}

// RestoreAttempt — запись одной попытки восстановления для диагностики.
type RestoreAttempt struct {
	Method string
	Count  int
	Err    string
}

// Diagnostics — след операций адаптера, сохраняемый для поддержки.
type Diagnostics struct {
	ConnectAttempts int
	Connected       bool
	ConnectErr      string
	RestoreTrail    []RestoreAttempt
}

// PurchaseOutcome — структурированный результат запроса покупки.
type PurchaseOutcome struct {
	Success  bool
	Purchase *models.Purchase
	Err      error
}

// Adapter оборачивает StoreClient платформы.
type Adapter struct {
	client   StoreClient
	platform string
	skus     []string
	log      *slog.Logger

	mu          sync.Mutex
	connected   bool
	diagnostics Diagnostics
}

// New создаёт Adapter для платформы с настроенными SKU подписок.
func New(client StoreClient, platform string, skus []string, log *slog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		platform: platform,
		skus:     skus,
		log:      log,
	}
}

// InitConnection подключается к магазину с повторными попытками
// и экспоненциальной задержкой. Никогда не возвращает ошибку вызывающему:
// неудача фиксируется в диагностике, а teardown остаётся no-op.
func (a *Adapter) InitConnection(ctx context.Context) func() {
	const op = "storeadapter.InitConnection"

	delay := connectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		a.mu.Lock()
		a.diagnostics.ConnectAttempts = attempt
		a.mu.Unlock()

		err := a.client.Connect(ctx)
		if err == nil {
			a.mu.Lock()
			a.connected = true
			a.diagnostics.Connected = true
			a.mu.Unlock()
			a.log.Info("store connection established", slog.Int("attempt", attempt))
			return func() {
				a.mu.Lock()
				a.connected = false
				a.mu.Unlock()
				if err := a.client.Disconnect(); err != nil {
					a.log.Warn("store disconnect failed", sl.Err(err))
				}
			}
		}
		lastErr = err
		a.log.Warn("store connection attempt failed",
			slog.Int("attempt", attempt), sl.Err(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = connectAttempts
		}
		delay *= 2
	}

	a.mu.Lock()
	a.diagnostics.ConnectErr = fmt.Sprintf("%s: %v", op, lastErr)
	a.mu.Unlock()
	return func() {}
}

// Diagnostics возвращает копию диагностического следа.
func (a *Adapter) Diagnostics() Diagnostics {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.diagnostics
	d.RestoreTrail = append([]RestoreAttempt(nil), a.diagnostics.RestoreTrail...)
	return d
}

// Products возвращает каталог подписок или пустой срез, если подключения нет.
func (a *Adapter) Products(ctx context.Context) []models.ProductSubscription {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil
	}

	products, err := a.client.Products(ctx, a.skus)
	if err != nil {
		a.log.Warn("failed to fetch products", sl.Err(err))
		return nil
	}
	return products
}

// PurchaseSubscription запускает платформенный запрос покупки.
// Отмена пользователем отображается в ErrCancelled; если платформа вернула
// массив покупок, берётся первая.
func (a *Adapter) PurchaseSubscription(ctx context.Context, sku, offerToken string) PurchaseOutcome {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return PurchaseOutcome{Err: ErrNotConnected}
	}

	raw, err := a.client.Purchase(ctx, sku, offerToken)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return PurchaseOutcome{Err: ErrCancelled}
		}
		a.log.Warn("purchase request failed", slog.String("sku", sku), sl.Err(err))
		return PurchaseOutcome{Err: err}
	}
	if len(raw) == 0 {
		return PurchaseOutcome{Err: fmt.Errorf("store returned no purchase for %s", sku)}
	}

	purchase := a.normalize(raw[0])
	return PurchaseOutcome{Success: true, Purchase: &purchase}
}

// RestorePurchases пытается восстановить покупки по цепочке источников,
// останавливаясь на первом, который что-то вернул:
//  1. available purchases — обе платформы;
//  2. active subscriptions — только iOS, если (1) пуст;
//  3. current entitlement по каждому SKU — только iOS, если (2) тоже пуст.
//
// Каждая попытка и её результат записываются в диагностику. Если все источники
// ответили ошибками, возвращается ErrRestoreFailed; пустой результат без ошибок
// означает «покупок нет» — это не сбой.
func (a *Adapter) RestorePurchases(ctx context.Context) ([]models.Purchase, error) {
	a.mu.Lock()
	a.diagnostics.RestoreTrail = nil
	a.mu.Unlock()

	allFailed := true

	raw, err := a.client.AvailablePurchases(ctx)
	a.recordRestore("availablePurchases", len(raw), err)
	allFailed = allFailed && err != nil
	if len(raw) > 0 {
		return a.normalizeAll(raw), nil
	}

	if a.platform != models.PlatformIOS {
		if allFailed {
			return nil, ErrRestoreFailed
		}
		return nil, nil
	}

	raw, err = a.client.ActiveSubscriptions(ctx)
	a.recordRestore("activeSubscriptions", len(raw), err)
	allFailed = allFailed && err != nil
	if len(raw) > 0 {
		return a.normalizeAll(raw), nil
	}

	for _, sku := range a.skus {
		entitlement, err := a.client.CurrentEntitlement(ctx, sku)
		count := 0
		if entitlement != nil {
			count = 1
		}
		a.recordRestore("currentEntitlement:"+sku, count, err)
		allFailed = allFailed && err != nil
		if entitlement != nil {
			return []models.Purchase{a.normalize(entitlement)}, nil
		}
	}

	if allFailed {
		return nil, ErrRestoreFailed
	}
	return nil, nil
}

// FinishTransaction подтверждает покупку магазину. Вызывается ровно один раз
// на покупку и только после верификации бэкендом.
func (a *Adapter) FinishTransaction(ctx context.Context, purchase models.Purchase) error {
	const op = "storeadapter.FinishTransaction"
	if err := a.client.Finish(ctx, purchase); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *Adapter) recordRestore(method string, count int, err error) {
	attempt := RestoreAttempt{Method: method, Count: count}
	if err != nil {
		attempt.Err = err.Error()
		a.log.Warn("restore source failed", slog.String("method", method), sl.Err(err))
	}
	a.mu.Lock()
	a.diagnostics.RestoreTrail = append(a.diagnostics.RestoreTrail, attempt)
	a.mu.Unlock()
}

func (a *Adapter) normalizeAll(raw []map[string]any) []models.Purchase {
	purchases := make([]models.Purchase, 0, len(raw))
	for _, r := range raw {
		purchases = append(purchases, a.normalize(r))
	}
	return purchases
}

// normalize собирает кросс-платформенный Purchase из «сырого» объекта SDK.
func (a *Adapter) normalize(raw map[string]any) models.Purchase {
	purchase := models.Purchase{
		ProductID:          stringField(raw, "productId", "sku"),
		TransactionID:      stringField(raw, transactionIDCandidates...),
		PurchaseToken:      stringField(raw, "purchaseToken", "purchaseTokenAndroid"),
		TransactionReceipt: stringField(raw, "transactionReceipt"),
	}
	return purchase
}

// stringField возвращает первое непустое строковое значение из кандидатов.
func stringField(raw map[string]any, candidates ...string) string {
	for _, key := range candidates {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
