// Package engine реализует движок согласования entitlement — ядро клиентского SDK.
//
// Engine оркестрирует сессию, store-адаптер, бэкенд и grace-политику: решает
// текущий доступ, ведёт потоки покупки и восстановления и публикует реактивное
// состояние для слоя UI. Авторитетен всегда бэкенд; grace включается только
// когда бэкенд недоступен, и никогда не перекрывает явный ответ "free".
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/client/storeadapter"
	"github.com/lunaria-app/entitlement-engine/internal/lib/sl"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

// Ошибки, различимые слоем UI.
var (
	// ErrPurchaseCancelled — пользователь отменил покупку; не сбой.
	ErrPurchaseCancelled = storeadapter.ErrCancelled
	// ErrNoPurchasesFound — восстановление не нашло ни одной покупки.
	ErrNoPurchasesFound = errors.New("no purchases found")
	// ErrNoActiveSubscription — покупки нашлись, но бэкенд не подтвердил
	// ни одну; доступ остаётся свободным.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrRestoreFailed — сам механизм восстановления не сработал.
	ErrRestoreFailed = storeadapter.ErrRestoreFailed
)

// State — состояние entitlement, публикуемое слою UI.
type State struct {
	IsFullAccess bool
	IsLoading    bool
	Products     []models.ProductSubscription
	ExpiresAt    *string
	Err          error
	IsGrace      bool
	GraceReason  string
}

// BackendAPI описывает вызовы биллингового бэкенда.
// Реализация сама ведёт сессию и политику 401→refresh→retry-once.
type BackendAPI interface {
	Status(ctx context.Context, installID string) (*models.StatusResponse, error)
	Verify(ctx context.Context, req models.VerifyRequest) (*models.StatusResponse, error)
}

// StoreAdapter описывает операции платформенного магазина.
type StoreAdapter interface {
	InitConnection(ctx context.Context) func()
	Products(ctx context.Context) []models.ProductSubscription
	PurchaseSubscription(ctx context.Context, sku, offerToken string) storeadapter.PurchaseOutcome
	RestorePurchases(ctx context.Context) ([]models.Purchase, error)
	FinishTransaction(ctx context.Context, purchase models.Purchase) error
}

// AccessPolicy описывает кэш доступа и grace-политику.
type AccessPolicy interface {
	SetAccessCache(access string, expiresAt *string)
	CheckGraceEligibility(now time.Time) models.GraceResult
}

// Config — платформенные настройки движка.
type Config struct {
	Platform    string
	MonthlySKU  string
	YearlySKU   string
	PackageName string // android: имя пакета для верификации
}

// Engine согласует entitlement установки между магазином, бэкендом и кэшем.
type Engine struct {
	api       BackendAPI
	store     StoreAdapter
	policy    AccessPolicy
	installID string
	cfg       Config
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	teardown func()
	closed   bool

	updates chan State
}

// New создаёт Engine. Движок конструируется один раз на сессию приложения.
func New(api BackendAPI, store StoreAdapter, policy AccessPolicy, installID string, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		api:       api,
		store:     store,
		policy:    policy,
		installID: installID,
		cfg:       cfg,
		log:       log,
		updates:   make(chan State, 8),
		teardown:  func() {},
	}
}

// State возвращает снимок текущего состояния.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Updates возвращает канал публикаций состояния для слоя UI.
// Публикация не блокирует движок: при переполнении буфера снимок
// отбрасывается, актуальное состояние всегда доступно через State.
func (e *Engine) Updates() <-chan State {
	return e.updates
}

// Start инициализирует движок: определяет entitlement через бэкенд
// (или grace-политику), затем подключает магазин и загружает каталог.
// Сбой магазина не блокирует определение entitlement.
func (e *Engine) Start(ctx context.Context) {
	e.Refresh(ctx, false)

	teardown := e.store.InitConnection(ctx)
	e.mu.Lock()
	e.teardown = teardown
	e.mu.Unlock()

	products := e.store.Products(ctx)

	e.setState(func(s *State) {
		s.Products = products
	})
}

// Refresh повторяет проверку статуса у бэкенда. Вызывается при старте и при
// возврате приложения на передний план; silent-режим не поднимает isLoading,
// чтобы не мигать спиннером на каждый resume.
func (e *Engine) Refresh(ctx context.Context, silent bool) {
	if !silent {
		e.setState(func(s *State) { s.IsLoading = true })
	}

	resp, err := e.api.Status(ctx, e.installID)
	if err != nil {
		e.applyBackendFailure(err)
		return
	}
	e.applyBackendAnswer(resp)
}

// PurchaseMonthly запускает покупку месячной подписки.
func (e *Engine) PurchaseMonthly(ctx context.Context) {
	e.purchase(ctx, e.cfg.MonthlySKU, "")
}

// PurchaseYearly запускает покупку годовой подписки.
func (e *Engine) PurchaseYearly(ctx context.Context) {
	e.purchase(ctx, e.cfg.YearlySKU, "")
}

// purchase ведёт поток покупки: запрос магазину, верификация бэкендом
// и только затем финализация транзакции. Покупка не финализируется, пока
// верификация не завершилась — иначе потерянную покупку нельзя переверифицировать.
func (e *Engine) purchase(ctx context.Context, sku, offerToken string) {
	e.setState(func(s *State) {
		s.IsLoading = true
		s.Err = nil
	})

	outcome := e.store.PurchaseSubscription(ctx, sku, offerToken)
	if !outcome.Success {
		err := outcome.Err
		if errors.Is(err, storeadapter.ErrCancelled) {
			err = ErrPurchaseCancelled
		}
		e.setState(func(s *State) {
			s.IsLoading = false
			s.Err = err
		})
		return
	}

	entitled, err := e.verifyPurchase(ctx, sku, *outcome.Purchase)
	if err != nil {
		// Верификация не завершилась — транзакция остаётся незакрытой,
		// магазин доставит её снова.
		e.applyBackendFailure(err)
		return
	}

	if finishErr := e.store.FinishTransaction(ctx, *outcome.Purchase); finishErr != nil {
		e.log.Warn("failed to finish transaction", sl.Err(finishErr))
	}

	if !entitled {
		e.setState(func(s *State) {
			s.IsLoading = false
			s.IsFullAccess = false
			s.Err = ErrNoActiveSubscription
		})
	}
}

// RestorePurchases ведёт поток восстановления: многоступенчатый запрос
// магазину, затем последовательная верификация каждой покупки с остановкой
// на первой подтверждённой.
func (e *Engine) RestorePurchases(ctx context.Context) {
	e.setState(func(s *State) {
		s.IsLoading = true
		s.Err = nil
	})

	purchases, restoreErr := e.store.RestorePurchases(ctx)
	if len(purchases) == 0 {
		// «Покупок нет» и «restore не сработал» — разные сообщения для UI.
		err := ErrNoPurchasesFound
		if restoreErr != nil {
			err = restoreErr
		}
		e.setState(func(s *State) {
			s.IsLoading = false
			s.Err = err
		})
		return
	}

	for _, purchase := range purchases {
		entitled, err := e.verifyPurchase(ctx, purchase.ProductID, purchase)
		if err != nil {
			e.applyBackendFailure(err)
			return
		}
		if finishErr := e.store.FinishTransaction(ctx, purchase); finishErr != nil {
			e.log.Warn("failed to finish restored transaction", sl.Err(finishErr))
		}
		if entitled {
			return
		}
	}

	e.setState(func(s *State) {
		s.IsLoading = false
		s.IsFullAccess = false
		s.Err = ErrNoActiveSubscription
	})
}

// HandlePurchaseUpdate обрабатывает покупку, доставленную событием магазина:
// немедленно верифицирует её и снимает grace-флаги.
func (e *Engine) HandlePurchaseUpdate(ctx context.Context, purchase models.Purchase) {
	entitled, err := e.verifyPurchase(ctx, purchase.ProductID, purchase)
	if err != nil {
		e.applyBackendFailure(err)
		return
	}
	if finishErr := e.store.FinishTransaction(ctx, purchase); finishErr != nil {
		e.log.Warn("failed to finish pushed transaction", sl.Err(finishErr))
	}
	if !entitled {
		e.log.Info("pushed purchase not entitled", slog.String("product_id", purchase.ProductID))
	}
}

// WatchPurchaseUpdates потребляет поток покупок, которые магазин доставляет
// сам (продления, отложенные транзакции), и прогоняет каждую через
// HandlePurchaseUpdate. Останавливается при закрытии канала или отмене ctx.
func (e *Engine) WatchPurchaseUpdates(ctx context.Context, purchases <-chan models.Purchase) {
	go func() {
		for {
			select {
			case purchase, ok := <-purchases:
				if !ok {
					return
				}
				e.HandlePurchaseUpdate(ctx, purchase)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close отключает магазин и закрывает канал публикаций. Повторные вызовы
// безопасны; события магазина, обрабатываемые в момент закрытия, доходят до
// состояния, но уже не публикуются.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	teardown := e.teardown
	close(e.updates)
	e.mu.Unlock()

	teardown()
}

// verifyPurchase передаёт покупку бэкенду и применяет авторитетный ответ.
// Возвращает, подтверждён ли полный доступ.
func (e *Engine) verifyPurchase(ctx context.Context, sku string, purchase models.Purchase) (bool, error) {
	const op = "engine.verifyPurchase"

	req := models.VerifyRequest{
		Platform: e.cfg.Platform,
		SKU:      sku,
	}
	switch e.cfg.Platform {
	case models.PlatformIOS:
		req.TransactionID = purchase.TransactionID
		req.TransactionReceipt = purchase.TransactionReceipt
	case models.PlatformAndroid:
		req.PurchaseToken = purchase.PurchaseToken
		req.PackageName = e.cfg.PackageName
		req.ProductID = purchase.ProductID
	}

	resp, err := e.api.Verify(ctx, req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	e.applyBackendAnswer(resp)
	return resp.Entitlement == models.EntitlementFull, nil
}

// applyBackendAnswer применяет успешный ответ бэкенда: состояние, кэш,
// снятие grace. Явный ответ "free" авторитетен.
func (e *Engine) applyBackendAnswer(resp *models.StatusResponse) {
	e.policy.SetAccessCache(resp.Entitlement, resp.ExpiresAt)
	e.setState(func(s *State) {
		s.IsFullAccess = resp.Entitlement == models.EntitlementFull
		s.IsLoading = false
		s.ExpiresAt = resp.ExpiresAt
		s.Err = nil
		s.IsGrace = false
		s.GraceReason = ""
	})
}

// applyBackendFailure применяет неудачу обращения к бэкенду:
// решает grace-политика, UI никогда не падает жёстко.
func (e *Engine) applyBackendFailure(err error) {
	grace := e.policy.CheckGraceEligibility(time.Now())
	e.log.Warn("backend check failed, grace policy decided",
		slog.Bool("grant", grace.ShouldGrantGrace),
		slog.String("reason", grace.Reason),
		sl.Err(err))

	e.setState(func(s *State) {
		s.IsLoading = false
		s.IsFullAccess = grace.ShouldGrantGrace
		s.IsGrace = grace.ShouldGrantGrace
		s.GraceReason = grace.Reason
		if !grace.ShouldGrantGrace {
			s.Err = err
		}
	})
}

// setState атомарно изменяет состояние и публикует снимок подписчикам.
// После Close публикация пропускается: канал уже закрыт.
func (e *Engine) setState(mutate func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.state)
	if e.closed {
		return
	}

	select {
	case e.updates <- e.state:
	default:
	}
}
